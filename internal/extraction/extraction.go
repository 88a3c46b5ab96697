// Package extraction runs the per-patient extraction loop over a patient
// roster and collects bundles and errors by roster row.
package extraction

import (
	"context"
	"time"

	"github.com/icaredata/icare-extract/internal/platform/fhir"
)

// Request identifies one patient and the optional date window to extract.
type Request struct {
	MRN  string
	From *time.Time
	To   *time.Time
}

// Response is the outcome of one successful extraction. ExtractionErrors
// are problems that did not prevent the bundle from being produced.
type Response struct {
	Bundle           *fhir.Bundle
	ExtractionErrors []error
}

// Client extracts the data of a single patient. A returned error is fatal
// for that patient only.
type Client interface {
	Get(ctx context.Context, req Request) (*Response, error)
}

// ErrorLog holds the errors of each patient keyed by 0-based roster row.
type ErrorLog map[int][]error

// Add appends errs to the entry of row, creating it when needed.
func (l ErrorLog) Add(row int, errs ...error) {
	l[row] = append(l[row], errs...)
}

// Total returns the number of errors across all rows.
func (l ErrorLog) Total() int {
	n := 0
	for _, errs := range l {
		n += len(errs)
	}
	return n
}

// Zip merges logs by row, keeping the order of the arguments within a row.
func Zip(logs ...ErrorLog) ErrorLog {
	zipped := make(ErrorLog)
	for _, l := range logs {
		for row, errs := range l {
			if _, ok := zipped[row]; !ok {
				zipped[row] = []error{}
			}
			zipped[row] = append(zipped[row], errs...)
		}
	}
	return zipped
}
