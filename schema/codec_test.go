package schema

import "testing"

func TestContributeSingleValueField(t *testing.T) {
	fs := FileSpec{Name: "people", Fields: []FieldSpec{{Name: "name"}}}
	c := JSONCodec{}

	contrib, err := c.Contribute(fs, map[string]any{"name": "alice", "age": 30})
	if err != nil {
		t.Fatalf("contribute: %v", err)
	}
	if len(contrib["name"]) != 1 || string(contrib["name"][0]) != "alice" {
		t.Fatalf("expected name=alice, got %v", contrib["name"])
	}
	if _, ok := contrib["age"]; ok {
		t.Fatalf("expected only declared fields to contribute")
	}
}

func TestContributeMultiValueField(t *testing.T) {
	fs := FileSpec{Name: "people", Fields: []FieldSpec{{Name: "tags", Multi: true}}}
	c := JSONCodec{}

	contrib, err := c.Contribute(fs, map[string]any{"tags": []any{"x", "y", "z"}})
	if err != nil {
		t.Fatalf("contribute: %v", err)
	}
	if len(contrib["tags"]) != 3 {
		t.Fatalf("expected 3 tag values, got %d", len(contrib["tags"]))
	}
}

func TestContributeMissingFieldOmitted(t *testing.T) {
	fs := FileSpec{Name: "people", Fields: []FieldSpec{{Name: "name"}}}
	c := JSONCodec{}

	contrib, err := c.Contribute(fs, map[string]any{"age": 30})
	if err != nil {
		t.Fatalf("contribute: %v", err)
	}
	if _, ok := contrib["name"]; ok {
		t.Fatalf("expected no contribution for missing field")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := JSONCodec{}
	data, err := c.Encode(map[string]any{"name": "bob"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var out map[string]any
	if err := c.Decode(data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["name"] != "bob" {
		t.Fatalf("expected round-tripped name bob, got %v", out["name"])
	}
}

func TestFileSpecFieldLookup(t *testing.T) {
	fs := FileSpec{Name: "people", Fields: []FieldSpec{{Name: "name"}, {Name: "tags", Multi: true}}}

	if names := fs.FieldNames(); len(names) != 2 || names[0] != "name" || names[1] != "tags" {
		t.Fatalf("unexpected field names: %v", names)
	}
	if _, ok := fs.Field("nonexistent"); ok {
		t.Fatalf("expected lookup miss for undeclared field")
	}
	f, ok := fs.Field("tags")
	if !ok || !f.Multi {
		t.Fatalf("expected tags field with Multi=true")
	}
}
