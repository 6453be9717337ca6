package dicom

import (
	"fmt"
	"sort"
	"strings"
)

// VR is a two-letter value representation.
type VR string

// Value representations used by the store. Other VRs round-trip untouched.
const (
	VRAE VR = "AE"
	VRCS VR = "CS"
	VRDA VR = "DA"
	VRDS VR = "DS"
	VRIS VR = "IS"
	VRLO VR = "LO"
	VRPN VR = "PN"
	VRSH VR = "SH"
	VRSQ VR = "SQ"
	VRTM VR = "TM"
	VRUI VR = "UI"
	VRUR VR = "UR"
	VRUS VR = "US"
)

type (
	// Element is a single data element. Values hold strings, float64 numbers,
	// person-name component maps, or *Dataset items when VR is SQ.
	Element struct {
		Tag          Tag
		VR           VR
		Values       []any
		InlineBinary string
		BulkDataURI  string
	}

	// Dataset is an attribute-keyed record describing one imaging instance.
	// A Dataset is not safe for concurrent mutation.
	Dataset struct {
		elements map[Tag]*Element
	}

	// InstanceIdentifier is the UID triple that uniquely locates an instance.
	InstanceIdentifier struct {
		StudyInstanceUID  string
		SeriesInstanceUID string
		SOPInstanceUID    string
	}
)

// NewDataset returns an empty dataset.
func NewDataset() *Dataset {
	return &Dataset{elements: make(map[Tag]*Element)}
}

// Len returns the number of elements.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}

	return len(d.elements)
}

// Get returns the element for tag, if present.
func (d *Dataset) Get(tag Tag) (*Element, bool) {
	if d == nil {
		return nil, false
	}

	e, ok := d.elements[tag]

	return e, ok
}

// Set stores an element, replacing any existing element with the same tag.
func (d *Dataset) Set(e *Element) {
	if d.elements == nil {
		d.elements = make(map[Tag]*Element)
	}

	d.elements[e.Tag] = e
}

// Add is a shorthand for Set with a freshly built element.
func (d *Dataset) Add(tag Tag, vr VR, values ...any) {
	d.Set(&Element{Tag: tag, VR: vr, Values: values})
}

// Remove deletes the element for tag.
func (d *Dataset) Remove(tag Tag) {
	if d == nil {
		return
	}

	delete(d.elements, tag)
}

// Tags returns the element tags in ascending order.
func (d *Dataset) Tags() []Tag {
	if d == nil {
		return nil
	}

	tags := make([]Tag, 0, len(d.elements))
	for tag := range d.elements {
		tags = append(tags, tag)
	}

	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

	return tags
}

// String returns the first value of tag as a trimmed string, or "" when absent.
// Numeric values are formatted without a trailing fraction when integral.
func (d *Dataset) String(tag Tag) string {
	values := d.Strings(tag)
	if len(values) == 0 {
		return ""
	}

	return values[0]
}

// Strings returns all values of tag as trimmed strings.
func (d *Dataset) Strings(tag Tag) []string {
	e, ok := d.Get(tag)
	if !ok {
		return nil
	}

	out := make([]string, 0, len(e.Values))

	for _, v := range e.Values {
		switch value := v.(type) {
		case string:
			out = append(out, strings.TrimSpace(strings.TrimRight(value, "\x00")))
		case float64:
			out = append(out, formatNumber(value))
		case map[string]any:
			if alphabetic, ok := value["Alphabetic"].(string); ok {
				out = append(out, strings.TrimSpace(alphabetic))
			}
		}
	}

	return out
}

// Sequence returns the items of an SQ element.
func (d *Dataset) Sequence(tag Tag) []*Dataset {
	e, ok := d.Get(tag)
	if !ok || e.VR != VRSQ {
		return nil
	}

	items := make([]*Dataset, 0, len(e.Values))

	for _, v := range e.Values {
		if item, ok := v.(*Dataset); ok {
			items = append(items, item)
		}
	}

	return items
}

// AppendItem appends an item to the SQ element for tag, creating it when missing.
func (d *Dataset) AppendItem(tag Tag, item *Dataset) {
	e, ok := d.Get(tag)
	if !ok || e.VR != VRSQ {
		e = &Element{Tag: tag, VR: VRSQ}
		d.Set(e)
	}

	e.Values = append(e.Values, item)
}

// Clone returns a deep copy.
func (d *Dataset) Clone() *Dataset {
	if d == nil {
		return nil
	}

	out := NewDataset()

	for tag, e := range d.elements {
		values := make([]any, len(e.Values))

		for i, v := range e.Values {
			if item, ok := v.(*Dataset); ok {
				values[i] = item.Clone()
			} else {
				values[i] = v
			}
		}

		out.elements[tag] = &Element{
			Tag:          e.Tag,
			VR:           e.VR,
			Values:       values,
			InlineBinary: e.InlineBinary,
			BulkDataURI:  e.BulkDataURI,
		}
	}

	return out
}

// IdentifierOf extracts the instance identifier triple from a dataset.
func IdentifierOf(d *Dataset) InstanceIdentifier {
	return InstanceIdentifier{
		StudyInstanceUID:  d.String(StudyInstanceUID),
		SeriesInstanceUID: d.String(SeriesInstanceUID),
		SOPInstanceUID:    d.String(SOPInstanceUID),
	}
}

// String returns study/series/instance joined with slashes.
func (id InstanceIdentifier) String() string {
	return id.StudyInstanceUID + "/" + id.SeriesInstanceUID + "/" + id.SOPInstanceUID
}

func formatNumber(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}

	return fmt.Sprintf("%g", v)
}
