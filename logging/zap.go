package logging

import "go.uber.org/zap"

// ZapLogger adapts a zap SugaredLogger. Key/value pairs map directly onto
// Infow and Errorw.
type ZapLogger struct {
	logger *zap.SugaredLogger
}

// NewZap wraps logger. A nil logger is replaced with zap.NewNop().
func NewZap(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger.Sugar()}
}

func (l *ZapLogger) Log(msg string, keysAndValues ...any) {
	l.logger.Infow(msg, keysAndValues...)
}

func (l *ZapLogger) Error(msg string, keysAndValues ...any) {
	l.logger.Errorw(msg, keysAndValues...)
}

// Sync flushes buffered entries.
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}
