package querycache

// Fields is a minimal structured field map for logs.
type Fields map[string]any

// Logger is a tiny leveled logger. Provide an adapter around your logging
// stack (see log/zap, log/logrus, log/slog).
// If Logger is nil in Options, logging is disabled.
type Logger interface {
	Debug(msg string, f Fields)
	Info(msg string, f Fields)
	Warn(msg string, f Fields)
	Error(msg string, f Fields)
}

type NopLogger struct{}

func (NopLogger) Debug(string, Fields) {}
func (NopLogger) Info(string, Fields)  {}
func (NopLogger) Warn(string, Fields)  {}
func (NopLogger) Error(string, Fields) {}

// Debug selects the decisions logged at Info level.
type Debug uint32

const (
	// DebugMatching logs statements admitted by the rules.
	DebugMatching Debug = 1 << iota
	// DebugNonMatching logs statements rejected by the rules.
	DebugNonMatching
	// DebugUse logs reads served from the cache.
	DebugUse
	// DebugNonUse logs reads that missed.
	DebugNonUse
	// DebugDecisions logs refresh ownership decisions.
	DebugDecisions

	DebugAll = DebugMatching | DebugNonMatching | DebugUse | DebugNonUse | DebugDecisions
)
