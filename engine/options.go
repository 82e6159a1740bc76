package engine

// Option configures a Database. Segment size, thresholds, and the
// deferred-loader sort scale are handle-scoped fields, never process
// globals, so multiple databases with different tuning can coexist in
// one process.
type Option func(*config)

type config struct {
	segmentSize uint32 // S, in records
	listMax     uint32 // L, list->bits promotion threshold
	demoteAt    uint32 // bits->list demotion threshold (< listMax, hysteresis)

	housekeeping     func()
	housekeepingStep int

	sortScale int // deferred loader: segments buffered in RAM before forced merge

	logger *Logger
}

const (
	defaultSegmentSize      = 32000
	defaultHousekeepingStep = 4096
	defaultSortScale        = 4
)

func defaultConfig() *config {
	l := defaultListMax(defaultSegmentSize)
	return &config{
		segmentSize:      defaultSegmentSize,
		listMax:          l,
		demoteAt:         demoteThreshold(l),
		housekeeping:     func() {},
		housekeepingStep: defaultHousekeepingStep,
		sortScale:        defaultSortScale,
		logger:           NewNopLogger(),
	}
}

// defaultListMax picks L = S/16, with a floor so tiny segment sizes
// still admit a List form.
func defaultListMax(s uint32) uint32 {
	l := s / 16
	if l < 2 {
		l = 2
	}
	return l
}

// demoteThreshold computes the hysteresis band for Bits->List demotion:
// L - L/4 (floor, at least one below L),
// giving a dead zone of about L/4 entries where neither promotion nor
// demotion fires, enough margin that put/remove/put at the boundary does
// not flap between forms.
func demoteThreshold(listMax uint32) uint32 {
	band := listMax / 4
	if band == 0 {
		band = 1
	}
	if band >= listMax {
		band = listMax - 1
	}
	return listMax - band
}

// WithSegmentSize sets S, the number of records per segment. Must be a
// power of two; fixed at database creation.
func WithSegmentSize(s uint32) Option {
	return func(c *config) {
		c.segmentSize = s
		c.listMax = defaultListMax(s)
		c.demoteAt = demoteThreshold(c.listMax)
	}
}

// WithListThreshold overrides L, the list<->bitmap promotion threshold,
// recomputing the demotion hysteresis band from it.
func WithListThreshold(l uint32) Option {
	return func(c *config) {
		c.listMax = l
		c.demoteAt = demoteThreshold(l)
	}
}

// WithHousekeeping installs a hook called every N steps during long cursor
// walks and deferred-load merges, giving the host process a chance to
// poll for cancellation. Grounded on the onMergeStart test hook pattern
// used to probe long-running merge passes.
func WithHousekeeping(step int, fn func()) Option {
	return func(c *config) {
		if step > 0 {
			c.housekeepingStep = step
		}
		if fn != nil {
			c.housekeeping = fn
		}
	}
}

// WithSortScale sets how many segments of deferred postings are buffered
// in RAM before a merge pass is forced; tests lower it to exercise merge
// paths on small inputs.
func WithSortScale(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.sortScale = n
		}
	}
}

// WithLogger installs a structured logger; defaults to a no-op logger.
func WithLogger(l *Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}
