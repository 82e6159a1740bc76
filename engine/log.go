package engine

import "go.uber.org/zap"

// Logger is a thin, handle-scoped wrapper around a *zap.SugaredLogger, in
// the idiom of iamNilotpal-ignite's internal/index package (a Logger field
// threaded through the handle, never a package-global logger).
type Logger struct {
	s *zap.SugaredLogger
}

// NewLogger wraps an existing zap logger.
func NewLogger(z *zap.Logger) *Logger {
	return &Logger{s: z.Sugar()}
}

// NewDevelopmentLogger builds a human-readable development logger, handy
// for the cmd/segidx CLI.
func NewDevelopmentLogger() *Logger {
	z, err := zap.NewDevelopment()
	if err != nil {
		z = zap.NewNop()
	}
	return &Logger{s: z.Sugar()}
}

// NewNopLogger discards everything; it's the default when no Option
// configures a logger.
func NewNopLogger() *Logger {
	return &Logger{s: zap.NewNop().Sugar()}
}

func (l *Logger) Infow(msg string, kv ...any)  { l.s.Infow(msg, kv...) }
func (l *Logger) Debugw(msg string, kv ...any) { l.s.Debugw(msg, kv...) }
func (l *Logger) Warnw(msg string, kv ...any)  { l.s.Warnw(msg, kv...) }
func (l *Logger) Errorw(msg string, kv ...any) { l.s.Errorw(msg, kv...) }

func (l *Logger) Sync() error { return l.s.Sync() }
