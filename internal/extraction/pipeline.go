package extraction

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/icaredata/icare-extract/internal/platform/fhir"
)

// Result is the outcome of a pipeline run. Bundles holds only the patients
// that were extracted; Rows[i] is the roster row Bundles[i] belongs to.
// Skipped counts roster rows without an mrn.
type Result struct {
	Bundles      []*fhir.Bundle
	Rows         []int
	AllSucceeded bool
	Errors       ErrorLog
	Skipped      int
}

// Pipeline extracts patients one after another, or through a bounded pool of
// workers when more than one is configured. Results are always reported in
// roster order.
type Pipeline struct {
	logger  zerolog.Logger
	workers int
}

func NewPipeline(logger zerolog.Logger, workers int) *Pipeline {
	if workers < 1 {
		workers = 1
	}
	return &Pipeline{logger: logger, workers: workers}
}

type patientOutcome struct {
	bundle  *fhir.Bundle
	errs    []error
	fatal   bool
	skipped bool
}

// Run extracts every patient in patientIDs. A fatal failure for one patient
// is recorded under its row and the batch continues.
func (p *Pipeline) Run(ctx context.Context, patientIDs []string, client Client, from, to *time.Time) Result {
	outcomes := make([]patientOutcome, len(patientIDs))

	if p.workers == 1 {
		for i, mrn := range patientIDs {
			outcomes[i] = p.extractOne(ctx, i, mrn, client, from, to)
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.workers)
		for i, mrn := range patientIDs {
			i, mrn := i, mrn
			g.Go(func() error {
				outcomes[i] = p.extractOne(gctx, i, mrn, client, from, to)
				return nil
			})
		}
		// Workers never return errors; failures live in outcomes.
		_ = g.Wait()
	}

	result := Result{AllSucceeded: true, Errors: make(ErrorLog, len(patientIDs))}
	for i, o := range outcomes {
		result.Errors[i] = append([]error{}, o.errs...)
		if o.skipped {
			result.Skipped++
			continue
		}
		if o.fatal {
			result.AllSucceeded = false
			continue
		}
		result.Bundles = append(result.Bundles, o.bundle)
		result.Rows = append(result.Rows, i)
	}
	return result
}

func (p *Pipeline) extractOne(ctx context.Context, row int, mrn string, client Client, from, to *time.Time) patientOutcome {
	log := p.logger.With().Str("row", strconv.Itoa(row+1)).Logger()
	if mrn == "" {
		log.Warn().Msgf("SKIPPED - no mrn for patient at row %d in .csv file", row+1)
		return patientOutcome{skipped: true}
	}
	log.Info().Msgf("extracting information for patient at row %d in .csv file", row+1)

	resp, err := client.Get(ctx, Request{MRN: mrn, From: from, To: to})
	if err == nil && (resp == nil || resp.Bundle == nil) {
		err = errors.New("extraction client returned no bundle")
	}
	if err != nil {
		log.Error().Err(err).Msgf("error extracting patient at row %d", row+1)
		return patientOutcome{errs: []error{fmt.Errorf("extract patient at row %d: %w", row+1, err)}, fatal: true}
	}

	for _, e := range resp.ExtractionErrors {
		log.Warn().Err(e).Msg("non-fatal extraction error")
	}

	counts, err := fhir.CountResourcesByType(resp.Bundle)
	if err != nil {
		log.Debug().Err(err).Msg("could not count extracted resources")
	} else {
		ev := log.Debug()
		for rt, n := range counts {
			ev = ev.Int(rt, n)
		}
		ev.Msg("resources extracted")
	}

	return patientOutcome{bundle: resp.Bundle, errs: resp.ExtractionErrors}
}
