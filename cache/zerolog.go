package cache

import "github.com/rs/zerolog"

// ZerologLogger adapts a zerolog.Logger to the Logger interface. Args are
// interpreted as alternating key-value pairs; a trailing odd value is logged
// under the key "arg".
type ZerologLogger struct {
	log zerolog.Logger
}

// NewZerologLogger wraps the given zerolog logger.
func NewZerologLogger(log zerolog.Logger) Logger {
	return &ZerologLogger{log: log}
}

func withFields(e *zerolog.Event, args []any) *zerolog.Event {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = "arg"
		}
		e = e.Interface(key, args[i+1])
	}
	if len(args)%2 == 1 {
		e = e.Interface("arg", args[len(args)-1])
	}
	return e
}

// Debug logs a debug message.
func (z *ZerologLogger) Debug(msg string, args ...any) {
	withFields(z.log.Debug(), args).Msg(msg)
}

// Info logs an info message.
func (z *ZerologLogger) Info(msg string, args ...any) {
	withFields(z.log.Info(), args).Msg(msg)
}

// Warn logs a warning message.
func (z *ZerologLogger) Warn(msg string, args ...any) {
	withFields(z.log.Warn(), args).Msg(msg)
}

// Error logs an error message.
func (z *ZerologLogger) Error(msg string, args ...any) {
	withFields(z.log.Error(), args).Msg(msg)
}
