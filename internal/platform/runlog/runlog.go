// Package runlog keeps the history of successfully completed extraction
// windows and infers the start of the next incremental window from it.
package runlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrNoEffectiveDate is returned when no from-date was supplied and no
	// previous run exists to infer one from.
	ErrNoEffectiveDate = errors.New("no valid fromDate was supplied, and there are no log records from which we could pull a fromDate")

	// ErrInvalidLog is returned when the backing store is missing or is not
	// shaped like a run history.
	ErrInvalidLog = errors.New("invalid run log")
)

// RunRecord is one completed extraction window.
type RunRecord struct {
	FromDate string `json:"fromDate"`
	ToDate   string `json:"toDate"`
	DateRun  string `json:"dateRun,omitempty"`
}

// Store is an append-only run history.
type Store interface {
	// Check verifies that the store exists and can be read.
	Check(ctx context.Context) error
	// MostRecentToDate returns the chronologically latest toDate, or nil when
	// there is no history.
	MostRecentToDate(ctx context.Context) (*time.Time, error)
	// AppendRun records a completed window. A nil to means the window was
	// open-ended and is closed at the time of the run.
	AppendRun(ctx context.Context, from time.Time, to *time.Time) error
}

// EffectiveFromDate returns the explicit from-date when set, otherwise the
// most recent toDate held by the store.
func EffectiveFromDate(ctx context.Context, store Store, explicit *time.Time, logger zerolog.Logger) (time.Time, error) {
	if explicit != nil {
		return *explicit, nil
	}

	logger.Info().Msg("no fromDate was provided, inferring an effectiveFromDate")
	latest, err := store.MostRecentToDate(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("read run history: %w", err)
	}
	if latest == nil {
		return time.Time{}, ErrNoEffectiveDate
	}
	logger.Info().Str("effectiveFromDate", FormatDate(*latest)).Msg("inferred effectiveFromDate")
	return *latest, nil
}

func newRecord(from time.Time, to *time.Time, now time.Time) RunRecord {
	end := now
	if to != nil {
		end = *to
	}
	return RunRecord{
		FromDate: FormatDate(from),
		ToDate:   FormatDate(end),
		DateRun:  now.UTC().Format(time.RFC3339),
	}
}
