// Package schema describes the shape of a file: which fields exist and
// which of them are indexed. It is deliberately static — no parser, no
// config file format — a caller builds a FileSpec in Go and hands it to
// the CLI or to its own code.
package schema

// FieldSpec names one indexed attribute of a file's records.
type FieldSpec struct {
	Name string

	// Multi indicates the field can contribute more than one value per
	// record (e.g. a tag list), as opposed to a single scalar value.
	Multi bool
}

// FileSpec describes one logical file: its name and the fields indexed
// on it.
type FileSpec struct {
	Name   string
	Fields []FieldSpec
}

// FieldNames returns the file's field names in declaration order.
func (fs FileSpec) FieldNames() []string {
	names := make([]string, len(fs.Fields))
	for i, f := range fs.Fields {
		names[i] = f.Name
	}
	return names
}

// Field returns the FieldSpec named name, or ok=false if it isn't part
// of this file.
func (fs FileSpec) Field(name string) (FieldSpec, bool) {
	for _, f := range fs.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}
