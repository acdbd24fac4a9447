// internal/logger/styled.go
package logger

import (
	"fmt"
	"log/slog"

	"github.com/pterm/pterm"

	"github.com/nyxio/relay/internal/relay/exchange"
	"github.com/nyxio/relay/theme"
)

// StyledLogger wraps slog.Logger with theme-aware formatting methods for
// the events relay emits most often: authority-scoped connection
// lifecycle, pool occupancy, and exchange-state transitions.
type StyledLogger struct {
	logger *slog.Logger
	theme  *theme.Theme
}

// NewStyledLogger creates a new styled logger with the given theme
func NewStyledLogger(logger *slog.Logger, theme *theme.Theme) *StyledLogger {
	return &StyledLogger{
		logger: logger,
		theme:  theme,
	}
}

func (sl *StyledLogger) Debug(msg string, args ...any) {
	sl.logger.Debug(msg, args...)
}

func (sl *StyledLogger) Info(msg string, args ...any) {
	sl.logger.Info(msg, args...)
}

func (sl *StyledLogger) Warn(msg string, args ...any) {
	sl.logger.Warn(msg, args...)
}

func (sl *StyledLogger) Error(msg string, args ...any) {
	sl.logger.Error(msg, args...)
}

// InfoWithAuthority logs msg with the authority (host:port) highlighted.
func (sl *StyledLogger) InfoWithAuthority(msg string, authority string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.theme.Highlight}.Sprint(authority))
	sl.logger.Info(styledMsg, args...)
}

func (sl *StyledLogger) WarnWithAuthority(msg string, authority string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.theme.Highlight}.Sprint(authority))
	sl.logger.Warn(styledMsg, args...)
}

func (sl *StyledLogger) ErrorWithAuthority(msg string, authority string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.theme.Highlight}.Sprint(authority))
	sl.logger.Error(styledMsg, args...)
}

// InfoWithCount logs msg with a styled parenthesised count, e.g. for
// buffered-request or active-slot totals.
func (sl *StyledLogger) InfoWithCount(msg string, count int, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.theme.Accent}.Sprint("(", count, ")"))
	sl.logger.Info(styledMsg, args...)
}

// InfoPoolStats logs the current occupancy of one authority's pool.
func (sl *StyledLogger) InfoPoolStats(msg string, authority string, active, parked, connecting, buffered int, args ...any) {
	allArgs := make([]any, 0, len(args)+8)
	allArgs = append(allArgs, args...)
	allArgs = append(allArgs,
		"authority", authority,
		"active", active,
		"parked", parked,
		"connecting", connecting,
		"buffered", buffered,
	)
	sl.logger.Info(msg, allArgs...)
}

// InfoExchangeState logs an exchange state transition with the state
// name styled per its terminal-ness.
func (sl *StyledLogger) InfoExchangeState(msg string, state exchange.State, args ...any) {
	var style *pterm.Style
	switch state {
	case exchange.Complete:
		style = sl.theme.Success
	case exchange.Errored:
		style = sl.theme.Error
	case exchange.Disposed:
		style = sl.theme.Muted
	default:
		style = sl.theme.Info
	}
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{*style}.Sprint(state.String()))
	sl.logger.Info(styledMsg, args...)
}

// GetUnderlying returns the underlying slog.Logger for cases where direct access is needed
func (sl *StyledLogger) GetUnderlying() *slog.Logger {
	return sl.logger
}

// WithAttrs creates a new StyledLogger with additional structured attributes
func (sl *StyledLogger) WithAttrs(attrs ...slog.Attr) *StyledLogger {
	args := make([]any, 0, len(attrs)*2)
	for _, attr := range attrs {
		args = append(args, attr.Key, attr.Value)
	}

	return &StyledLogger{
		logger: sl.logger.With(args...),
		theme:  sl.theme,
	}
}

// With creates a new StyledLogger with additional key-value pairs
func (sl *StyledLogger) With(args ...any) *StyledLogger {
	return &StyledLogger{
		logger: sl.logger.With(args...),
		theme:  sl.theme,
	}
}

// NewWithTheme creates both a regular logger and a styled logger
func NewWithTheme(cfg *Config) (*slog.Logger, *StyledLogger, func(), error) {
	logger, cleanup, err := New(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	appTheme := theme.GetTheme(cfg.Theme)
	styledLogger := NewStyledLogger(logger, appTheme)

	return logger, styledLogger, cleanup, nil
}
