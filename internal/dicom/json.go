package dicom

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrMalformedContent indicates data that could not be parsed into a Dataset.
// Callers classify it separately from other retrieval failures.
var ErrMalformedContent = errors.New("malformed dicom content")

type jsonElement struct {
	VR           string            `json:"vr"`
	Value        []json.RawMessage `json:"Value,omitempty"`
	InlineBinary string            `json:"InlineBinary,omitempty"`
	BulkDataURI  string            `json:"BulkDataURI,omitempty"`
}

// DecodeDataset reads exactly one DICOM JSON object from r.
func DecodeDataset(r io.Reader) (*Dataset, error) {
	dec := json.NewDecoder(r)

	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedContent, err)
	}

	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after dataset", ErrMalformedContent)
	}

	ds := NewDataset()
	if err := ds.UnmarshalJSON(raw); err != nil {
		return nil, err
	}

	return ds, nil
}

// UnmarshalJSON implements json.Unmarshaler for the DICOM JSON model.
func (d *Dataset) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("%w: dataset must be a JSON object", ErrMalformedContent)
	}

	var raw map[string]jsonElement
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedContent, err)
	}

	elements := make(map[Tag]*Element, len(raw))

	for key, je := range raw {
		tag, err := ParseTag(key)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedContent, err)
		}

		e, err := decodeElement(tag, je)
		if err != nil {
			return err
		}

		elements[tag] = e
	}

	d.elements = elements

	return nil
}

func decodeElement(tag Tag, je jsonElement) (*Element, error) {
	if len(je.VR) != 2 || !isUpperAlpha(je.VR) {
		return nil, fmt.Errorf("%w: element %s has invalid vr %q", ErrMalformedContent, tag, je.VR)
	}

	e := &Element{
		Tag:          tag,
		VR:           VR(je.VR),
		InlineBinary: je.InlineBinary,
		BulkDataURI:  je.BulkDataURI,
	}

	if len(je.Value) == 0 {
		return e, nil
	}

	e.Values = make([]any, 0, len(je.Value))

	for _, rv := range je.Value {
		v, err := decodeValue(e.VR, rv)
		if err != nil {
			return nil, fmt.Errorf("%w: element %s: %w", ErrMalformedContent, tag, err)
		}

		e.Values = append(e.Values, v)
	}

	return e, nil
}

func decodeValue(vr VR, rv json.RawMessage) (any, error) {
	trimmed := bytes.TrimSpace(rv)

	if bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	switch vr {
	case VRSQ:
		item := NewDataset()
		if err := item.UnmarshalJSON(trimmed); err != nil {
			return nil, err
		}

		return item, nil
	case VRPN:
		var pn map[string]any
		if err := json.Unmarshal(trimmed, &pn); err != nil {
			return nil, fmt.Errorf("person name must be an object: %w", err)
		}

		return pn, nil
	}

	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return nil, err
	}

	switch v.(type) {
	case string, float64:
		return v, nil
	default:
		return nil, fmt.Errorf("unexpected %T value for vr %s", v, vr)
	}
}

// MarshalJSON implements json.Marshaler for the DICOM JSON model.
// Keys are emitted in ascending tag order.
func (d *Dataset) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte('{')

	for i, tag := range d.Tags() {
		if i > 0 {
			buf.WriteByte(',')
		}

		e := d.elements[tag]

		je := jsonElement{VR: string(e.VR), InlineBinary: e.InlineBinary, BulkDataURI: e.BulkDataURI}

		for _, v := range e.Values {
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encode element %s: %w", tag, err)
			}

			je.Value = append(je.Value, encoded)
		}

		key, _ := json.Marshal(tag.Keyword())
		buf.Write(key)
		buf.WriteByte(':')

		encoded, err := json.Marshal(je)
		if err != nil {
			return nil, fmt.Errorf("encode element %s: %w", tag, err)
		}

		buf.Write(encoded)
	}

	buf.WriteByte('}')

	return buf.Bytes(), nil
}

func isUpperAlpha(s string) bool {
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}

	return true
}
