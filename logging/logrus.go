package logging

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// LogrusLogger adapts a logrus.FieldLogger.
type LogrusLogger struct {
	logger logrus.FieldLogger
}

// NewLogrus wraps logger. A nil logger uses logrus.StandardLogger().
func NewLogrus(logger logrus.FieldLogger) *LogrusLogger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogrusLogger{logger: logger}
}

func (l *LogrusLogger) Log(msg string, keysAndValues ...any) {
	l.logger.WithFields(Fields(keysAndValues...)).Info(msg)
}

func (l *LogrusLogger) Error(msg string, keysAndValues ...any) {
	l.logger.WithFields(Fields(keysAndValues...)).Error(msg)
}

// Fields converts alternating key/value pairs to logrus.Fields. Non-string
// keys are formatted with %v; a dangling key is stored under "!BADKEY", the
// same marker slog uses.
func Fields(keysAndValues ...any) logrus.Fields {
	fields := make(logrus.Fields, len(keysAndValues)/2+1)
	for i := 0; i < len(keysAndValues); i += 2 {
		if i+1 >= len(keysAndValues) {
			fields["!BADKEY"] = keysAndValues[i]
			break
		}
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}
		fields[key] = keysAndValues[i+1]
	}
	return fields
}
