package telemetry

// MultiLogger fans an event out to every configured logger, e.g. both
// console (SlogAdapter) and file (FileLogger) at once.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger creates a MultiLogger over loggers.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

// Log sends event to every configured logger.
func (m *MultiLogger) Log(event Event) {
	for _, l := range m.loggers {
		l.Log(event)
	}
}

var _ Logger = (*MultiLogger)(nil)
