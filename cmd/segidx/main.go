package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/epokhe/segidx/engine"
	"github.com/epokhe/segidx/kv"
	"github.com/epokhe/segidx/kv/boltstore"
	"github.com/epokhe/segidx/kv/memlog"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "  segidx put    -path <dir> -file <name> [-backend memlog|bolt] -value <bytes> [-contrib field=value ...]\n")
	fmt.Fprintf(os.Stderr, "  segidx get    -path <dir> -file <name> [-backend memlog|bolt] -record <n>\n")
	fmt.Fprintf(os.Stderr, "  segidx delete -path <dir> -file <name> [-backend memlog|bolt] -record <n> [-contrib field=value ...]\n")
	fmt.Fprintf(os.Stderr, "  segidx query  -path <dir> -file <name> [-backend memlog|bolt] -field <name> -value <v> [-op eq|prefix] [-limit n]\n")
	fmt.Fprintf(os.Stderr, "  segidx load   -path <dir> -file <name> [-backend memlog|bolt] -ndjson <path> -field <name> [-field <name> ...] -staging <dir>\n")
	fmt.Fprintf(os.Stderr, "  segidx stats  -path <dir> -file <name> [-backend memlog|bolt] [-field <name>]\n")
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "put":
		runPut(args)
	case "get":
		runGet(args)
	case "delete":
		runDelete(args)
	case "query":
		runQuery(args)
	case "load":
		runLoad(args)
	case "stats":
		runStats(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		usage()
	}
}

// openBackend opens the named backend implementation rooted at path.
// "memlog" (the default) is a log-structured store; "bolt" is backed by
// go.etcd.io/bbolt, useful for demonstrating engine.Database is
// backend-agnostic.
func openBackend(kind, path string) (kv.Backend, error) {
	switch kind {
	case "", "memlog":
		return memlog.Open(path)
	case "bolt":
		return boltstore.Open(path)
	default:
		return nil, fmt.Errorf("unknown backend %q (want memlog or bolt)", kind)
	}
}

func openDB(path, backend string, segmentSize uint) (*engine.Database, kv.Backend, error) {
	be, err := openBackend(backend, path)
	if err != nil {
		return nil, nil, err
	}
	opts := []engine.Option{engine.WithLogger(engine.NewDevelopmentLogger())}
	if segmentSize > 0 {
		opts = append(opts, engine.WithSegmentSize(uint32(segmentSize)))
	}
	db, err := engine.Open(be, opts...)
	if sizeErr, ok := err.(*engine.SegmentSizeError); ok && segmentSize == 0 {
		db, err = engine.Open(be, append(opts, engine.WithSegmentSize(sizeErr.Stored))...)
	}
	if err != nil {
		be.Close()
		return nil, nil, err
	}
	return db, be, nil
}

// commonFlags registers the flags every subcommand shares.
type commonFlags struct {
	path        *string
	backend     *string
	file        *string
	segmentSize *uint
}

func registerCommon(fs *flag.FlagSet) *commonFlags {
	return &commonFlags{
		path:        fs.String("path", "", "path to the data directory"),
		backend:     fs.String("backend", "memlog", "backend implementation: memlog or bolt"),
		file:        fs.String("file", "", "logical file name"),
		segmentSize: fs.Uint("segment-size", 0, "segment size S (only meaningful on first open)"),
	}
}

func (c *commonFlags) validate(fs *flag.FlagSet) {
	if *c.path == "" || *c.file == "" {
		fs.Usage()
		os.Exit(1)
	}
}

// contribFlag accumulates repeated -contrib field=value flags into
// engine.Contributions. A value containing commas contributes each
// comma-separated piece separately, for multi-valued fields.
type contribFlag struct {
	contrib engine.Contributions
}

func (c *contribFlag) String() string { return "" }

func (c *contribFlag) Set(s string) error {
	field, value, ok := splitOnce(s, '=')
	if !ok {
		return fmt.Errorf("expected field=value, got %q", s)
	}
	if c.contrib == nil {
		c.contrib = make(engine.Contributions)
	}
	for _, v := range splitComma(value) {
		c.contrib[field] = append(c.contrib[field], []byte(v))
	}
	return nil
}

func splitOnce(s string, sep byte) (before, after string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func fatalf(format string, args ...any) {
	log.Fatalf(format, args...)
}
