package schema

import "encoding/json"

// Codec serializes an application record to the bytes the primary store
// holds, and computes the values each indexed field contributes for a
// given record, matching engine.Contributions.
type Codec interface {
	Encode(record any) ([]byte, error)
	Decode(data []byte, out any) error
	Contribute(fs FileSpec, record any) (map[string][][]byte, error)
}

// JSONCodec is the default Codec: records are arbitrary JSON objects
// (decoded into map[string]any when contributing), and a field
// contributes its JSON value's string/number/bool representation, or
// each element's representation when FieldSpec.Multi and the value is a
// JSON array.
type JSONCodec struct{}

func (JSONCodec) Encode(record any) ([]byte, error) {
	return json.Marshal(record)
}

func (JSONCodec) Decode(data []byte, out any) error {
	return json.Unmarshal(data, out)
}

func (c JSONCodec) Contribute(fs FileSpec, record any) (map[string][][]byte, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}

	out := make(map[string][][]byte, len(fs.Fields))
	for _, f := range fs.Fields {
		v, ok := fields[f.Name]
		if !ok {
			continue
		}
		values, err := scalarsOf(v, f.Multi)
		if err != nil {
			return nil, err
		}
		if len(values) > 0 {
			out[f.Name] = values
		}
	}
	return out, nil
}

func scalarsOf(v any, multi bool) ([][]byte, error) {
	if multi {
		items, ok := v.([]any)
		if !ok {
			return nil, nil
		}
		out := make([][]byte, 0, len(items))
		for _, item := range items {
			b, err := scalarBytes(item)
			if err != nil {
				return nil, err
			}
			out = append(out, b)
		}
		return out, nil
	}
	b, err := scalarBytes(v)
	if err != nil {
		return nil, err
	}
	return [][]byte{b}, nil
}

func scalarBytes(v any) ([]byte, error) {
	switch t := v.(type) {
	case string:
		return []byte(t), nil
	default:
		return json.Marshal(t)
	}
}
