package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"

	"github.com/epokhe/segidx/engine"
	"github.com/epokhe/segidx/schema"
)

func runPut(args []string) {
	fs := flag.NewFlagSet("put", flag.ExitOnError)
	common := registerCommon(fs)
	value := fs.String("value", "", "record value (raw bytes)")
	var contrib contribFlag
	fs.Var(&contrib, "contrib", "field=value (repeatable; comma-separates multi-values)")
	fs.Parse(args)
	common.validate(fs)

	db, be, err := openDB(*common.path, *common.backend, *common.segmentSize)
	if err != nil {
		fatalf("open: %v", err)
	}
	defer be.Close()

	p, err := engine.NewPipeline(db, *common.file)
	if err != nil {
		fatalf("pipeline: %v", err)
	}
	record, err := p.Put([]byte(*value), contrib.contrib)
	if err != nil {
		fatalf("put: %v", err)
	}
	fmt.Println(record)
}

func runGet(args []string) {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	common := registerCommon(fs)
	record := fs.Uint64("record", 0, "record number")
	fs.Parse(args)
	common.validate(fs)

	db, be, err := openDB(*common.path, *common.backend, *common.segmentSize)
	if err != nil {
		fatalf("open: %v", err)
	}
	defer be.Close()

	fh, err := db.File(*common.file)
	if err != nil {
		fatalf("file: %v", err)
	}
	value, err := fh.Primary().GetPrimary(*record)
	if err != nil {
		fatalf("get: %v", err)
	}
	os.Stdout.Write(value)
	fmt.Println()
}

func runDelete(args []string) {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	common := registerCommon(fs)
	record := fs.Uint64("record", 0, "record number")
	var contrib contribFlag
	fs.Var(&contrib, "contrib", "field=value (repeatable; the record's old contributions, to retract postings)")
	fs.Parse(args)
	common.validate(fs)

	db, be, err := openDB(*common.path, *common.backend, *common.segmentSize)
	if err != nil {
		fatalf("open: %v", err)
	}
	defer be.Close()

	p, err := engine.NewPipeline(db, *common.file)
	if err != nil {
		fatalf("pipeline: %v", err)
	}
	if err := p.Delete(*record, contrib.contrib); err != nil {
		fatalf("delete: %v", err)
	}
}

func runQuery(args []string) {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	common := registerCommon(fs)
	field := fs.String("field", "", "indexed field name")
	value := fs.String("value", "", "value to match")
	op := fs.String("op", "eq", "eq or prefix")
	limit := fs.Uint("limit", 0, "stop after this many results (0 = unbounded)")
	fs.Parse(args)
	common.validate(fs)
	if *field == "" {
		fs.Usage()
		os.Exit(1)
	}

	db, be, err := openDB(*common.path, *common.backend, *common.segmentSize)
	if err != nil {
		fatalf("open: %v", err)
	}
	defer be.Close()

	ix, err := db.Field(*common.file, *field)
	if err != nil {
		fatalf("field: %v", err)
	}

	var partial []byte
	switch *op {
	case "eq":
		partial = nil
	case "prefix":
		partial = []byte(*value)
	default:
		fatalf("unknown -op %q (want eq or prefix)", *op)
	}

	cur, err := engine.NewCursor(db, ix, partial)
	if err != nil {
		fatalf("cursor: %v", err)
	}
	defer cur.Close()

	var n uint
	ok, err := cur.First()
	for {
		if err != nil {
			fatalf("walk: %v", err)
		}
		if !ok {
			break
		}
		if *op != "eq" || string(cur.Value()) == *value {
			fmt.Printf("%s\t%d\n", cur.Value(), cur.Record())
			n++
			if *limit > 0 && n >= *limit {
				break
			}
		}
		ok, err = cur.Next()
	}
}

func runLoad(args []string) {
	fs := flag.NewFlagSet("load", flag.ExitOnError)
	common := registerCommon(fs)
	ndjson := fs.String("ndjson", "", "newline-delimited JSON records to load")
	staging := fs.String("staging", "", "directory for staging files")
	var fields stringSliceFlag
	fs.Var(&fields, "field", "indexed field name (repeatable)")
	multi := fs.String("multi", "", "comma-separated subset of -field names that are multi-valued")
	fs.Parse(args)
	common.validate(fs)
	if *ndjson == "" || *staging == "" || len(fields) == 0 {
		fs.Usage()
		os.Exit(1)
	}

	multiSet := make(map[string]bool)
	for _, name := range splitComma(*multi) {
		if name != "" {
			multiSet[name] = true
		}
	}
	fspec := schema.FileSpec{Name: *common.file}
	for _, name := range fields {
		fspec.Fields = append(fspec.Fields, schema.FieldSpec{Name: name, Multi: multiSet[name]})
	}

	db, be, err := openDB(*common.path, *common.backend, *common.segmentSize)
	if err != nil {
		fatalf("open: %v", err)
	}
	defer be.Close()

	loader, err := engine.NewDeferredLoader(db, *common.file, *common.file, *staging)
	if err != nil {
		fatalf("loader: %v", err)
	}

	f, err := os.Open(*ndjson)
	if err != nil {
		fatalf("open ndjson: %v", err)
	}
	defer f.Close()

	codec := schema.JSONCodec{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var loaded uint64
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var record any
		if err := codec.Decode(line, &record); err != nil {
			fatalf("decode line %d: %v", loaded+1, err)
		}
		contrib, err := codec.Contribute(fspec, record)
		if err != nil {
			fatalf("contribute line %d: %v", loaded+1, err)
		}
		if _, err := loader.PutInstance(line, engine.Contributions(contrib)); err != nil {
			fatalf("load line %d: %v", loaded+1, err)
		}
		loaded++
	}
	if err := sc.Err(); err != nil {
		fatalf("scan ndjson: %v", err)
	}

	if err := loader.Finish(); err != nil {
		fatalf("finish: %v", err)
	}
	db.SetDeferred(false)
	fmt.Printf("loaded %d records\n", loaded)
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	common := registerCommon(fs)
	field := fs.String("field", "", "report page-pool free counts for this field too")
	fs.Parse(args)
	common.validate(fs)

	db, be, err := openDB(*common.path, *common.backend, *common.segmentSize)
	if err != nil {
		fatalf("open: %v", err)
	}
	defer be.Close()

	fh, err := db.File(*common.file)
	if err != nil {
		fatalf("file: %v", err)
	}
	fmt.Printf("records: %d live, high-water %d\n", fh.EBM().Count(), fh.EBM().HighWater())

	if *field != "" {
		ix, err := db.Field(*common.file, *field)
		if err != nil {
			fatalf("field: %v", err)
		}
		listFree, bitsFree := ix.Pages().FreeCounts()
		fmt.Printf("field %s: %d free list pages, %d free bitmap pages\n", *field, listFree, bitsFree)
	}
}

// stringSliceFlag accumulates repeated flag occurrences into a slice.
type stringSliceFlag []string

func (s *stringSliceFlag) String() string { return "" }

func (s *stringSliceFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}
