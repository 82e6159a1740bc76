package engine

// Contributions maps a field name to the indexable values a record
// contributes to it. Most fields contribute exactly one value;
// multi-valued fields are supported by contributing more than one.
type Contributions map[string][][]byte

// Pipeline is the non-deferred update pipeline for one file: put, edit,
// and delete of a logical record, keeping the primary store, EBM, and
// every affected field's postings consistent.
type Pipeline struct {
	db   *Database
	file *FileHandle
	name string
}

// NewPipeline opens the update pipeline for file name on db.
func NewPipeline(db *Database, name string) (*Pipeline, error) {
	fh, err := db.File(name)
	if err != nil {
		return nil, err
	}
	return &Pipeline{db: db, file: fh, name: name}, nil
}

func (p *Pipeline) field(name string) (*IndexTable, error) {
	return p.db.Field(p.name, name)
}

// Put assigns value a fresh record number, then adds a posting for every
// (field, value) pair in contributions.
func (p *Pipeline) Put(value []byte, contributions Contributions) (uint64, error) {
	record, err := p.file.primary.PutPrimary(value)
	if err != nil {
		return 0, err
	}
	for fieldName, values := range contributions {
		ix, err := p.field(fieldName)
		if err != nil {
			return 0, err
		}
		for _, v := range values {
			if err := ix.AddPosting(v, record); err != nil {
				return 0, err
			}
		}
	}
	return record, nil
}

// Delete removes record: retracts every posting in contributions (the
// contributions decoded from the record's old value), then deletes the
// primary row and clears its EBM bit. Unsupported in deferred mode.
func (p *Pipeline) Delete(record uint64, contributions Contributions) error {
	if p.db.Deferred() {
		return &DeferredModeError{Op: "delete"}
	}
	for fieldName, values := range contributions {
		ix, err := p.field(fieldName)
		if err != nil {
			return err
		}
		for _, v := range values {
			if err := ix.RemovePosting(v, record); err != nil {
				return err
			}
		}
	}
	_, err := p.file.primary.DeletePrimary(record)
	return err
}

// Edit overwrites record's value in place (the record number never
// changes) and reconciles postings: fields/values present only
// in oldContributions are removed, fields/values present only in
// newContributions are added, and values present in both are left alone —
// the symmetric difference the pipeline actually has to apply. Unsupported
// in deferred mode.
func (p *Pipeline) Edit(record uint64, newValue []byte, oldContributions, newContributions Contributions) error {
	if p.db.Deferred() {
		return &DeferredModeError{Op: "edit"}
	}

	fields := make(map[string]struct{}, len(oldContributions)+len(newContributions))
	for f := range oldContributions {
		fields[f] = struct{}{}
	}
	for f := range newContributions {
		fields[f] = struct{}{}
	}

	for fieldName := range fields {
		ix, err := p.field(fieldName)
		if err != nil {
			return err
		}

		oldSet := valueSet(oldContributions[fieldName])
		newSet := valueSet(newContributions[fieldName])

		for v := range oldSet {
			if _, stillPresent := newSet[v]; !stillPresent {
				if err := ix.RemovePosting([]byte(v), record); err != nil {
					return err
				}
			}
		}
		for v := range newSet {
			if _, wasPresent := oldSet[v]; !wasPresent {
				if err := ix.AddPosting([]byte(v), record); err != nil {
					return err
				}
			}
		}
	}

	return p.file.primary.ReplacePrimary(record, newValue)
}

func valueSet(values [][]byte) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[string(v)] = struct{}{}
	}
	return set
}
