package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/icaredata/icare-extract/internal/config"
	"github.com/icaredata/icare-extract/internal/platform/runlog"
)

// ConfigError is a configuration or input problem detected before any
// extraction work begins.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return e.Err.Error() }

func (e *ConfigError) Unwrap() error { return e.Err }

// IsConfigError reports whether err stopped a run during initialization.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce) || errors.Is(err, config.ErrInvalidConfig)
}

// Options are the command-line choices of a run.
type Options struct {
	FromDate       string
	ToDate         string
	AllEntries     bool
	ConfigPath     string
	RunLogPath     string
	Debug          bool
	TestExtraction bool
	TestAWSAuth    bool
}

// Window is a parsed extraction window. Nil bounds are open.
type Window struct {
	From *time.Time
	To   *time.Time
}

// CheckInput parses the date flags.
func CheckInput(opts Options) (Window, error) {
	var w Window
	if opts.FromDate != "" {
		t, err := runlog.ParseDate(opts.FromDate)
		if err != nil {
			return Window{}, &ConfigError{Err: errors.New("-f/--from-date is not a valid date.")}
		}
		w.From = &t
	}
	if opts.ToDate != "" {
		t, err := runlog.ParseDate(opts.ToDate)
		if err != nil {
			return Window{}, &ConfigError{Err: errors.New("-t/--to-date is not a valid date.")}
		}
		w.To = &t
	}
	if w.From != nil && w.To != nil && w.To.Before(*w.From) {
		return Window{}, &ConfigError{Err: fmt.Errorf("-t/--to-date %s is before -f/--from-date %s",
			runlog.FormatDate(*w.To), runlog.FormatDate(*w.From))}
	}
	return w, nil
}
