package dicom

import "strings"

const maxUIDLength = 64

// IsValidUID reports whether s is a well-formed UID: at most 64 characters of
// dot-separated numeric components, none empty and none with a leading zero.
func IsValidUID(s string) bool {
	if s == "" || len(s) > maxUIDLength {
		return false
	}

	for _, component := range strings.Split(s, ".") {
		if component == "" {
			return false
		}

		if len(component) > 1 && component[0] == '0' {
			return false
		}

		for _, r := range component {
			if r < '0' || r > '9' {
				return false
			}
		}
	}

	return true
}
