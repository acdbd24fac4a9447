package logger

import (
	"os"

	"github.com/rs/zerolog"
)

// ZerologAdapter implements the pool.Logger surface (Debug/Warn/Error with
// key-value args) over a zerolog.Logger, giving the pool's janitor a
// zero-allocation structured logger distinct from the slog-backed
// StyledLogger used elsewhere.
type ZerologAdapter struct {
	log zerolog.Logger
}

// NewZerologAdapter builds an adapter writing JSON lines to os.Stderr at
// level, matching zerolog's usual production default.
func NewZerologAdapter(level string) *ZerologAdapter {
	zlevel, err := zerolog.ParseLevel(level)
	if err != nil {
		zlevel = zerolog.InfoLevel
	}
	return &ZerologAdapter{
		log: zerolog.New(os.Stderr).Level(zlevel).With().Timestamp().Logger(),
	}
}

func (z *ZerologAdapter) Debug(msg string, args ...any) {
	z.event(z.log.Debug(), msg, args)
}

func (z *ZerologAdapter) Warn(msg string, args ...any) {
	z.event(z.log.Warn(), msg, args)
}

func (z *ZerologAdapter) Error(msg string, args ...any) {
	z.event(z.log.Error(), msg, args)
}

// event applies args as alternating key/value fields before logging msg.
// A trailing odd arg is appended under the "extra" field rather than
// dropped.
func (z *ZerologAdapter) event(e *zerolog.Event, msg string, args []any) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, args[i+1])
	}
	if len(args)%2 == 1 {
		e = e.Interface("extra", args[len(args)-1])
	}
	e.Msg(msg)
}
