// Package dispatch submits message bundles to the ICAREdata messaging
// endpoint, one at a time, and attributes failures to roster rows.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/icaredata/icare-extract/internal/extraction"
	"github.com/icaredata/icare-extract/internal/platform/fhir"
)

// ErrNotReady wraps every failed precondition check.
var ErrNotReady = errors.New("messaging client is not ready")

// MessagingClient is the remote endpoint contract.
type MessagingClient interface {
	CanSendMessage(ctx context.Context) (bool, error)
	Authorize(ctx context.Context) error
	ProcessMessage(ctx context.Context, bundle *fhir.Bundle) error
}

// Observer is notified of every submission outcome.
type Observer interface {
	MessagePosted()
	MessageRejected(kind string)
	MessageSkipped()
}

// Archiver keeps a copy of each message before it is submitted.
type Archiver interface {
	Archive(ctx context.Context, row int, bundle *fhir.Bundle) error
}

// Submission is a bundle together with the roster row it belongs to.
type Submission struct {
	Row    int
	Bundle *fhir.Bundle
}

// Submissions pairs bundles with their roster rows. A nil rows slice means
// bundle i belongs to row i.
func Submissions(bundles []*fhir.Bundle, rows []int) []Submission {
	subs := make([]Submission, len(bundles))
	for i, b := range bundles {
		row := i
		if rows != nil {
			row = rows[i]
		}
		subs[i] = Submission{Row: row, Bundle: b}
	}
	return subs
}

// Result is the outcome of PostAll.
type Result struct {
	AllSucceeded bool
	Errors       extraction.ErrorLog
}

type Options struct {
	// SkipEmptyBundles leaves out messages whose collection holds no
	// resources. Skipped messages are not errors.
	SkipEmptyBundles bool
	Observer         Observer
	Archiver         Archiver
}

type Dispatcher struct {
	logger zerolog.Logger
	opts   Options
}

func NewDispatcher(logger zerolog.Logger, opts Options) *Dispatcher {
	return &Dispatcher{logger: logger, opts: opts}
}

// AssertReady checks that the endpoint grants the process-message scope and
// that the client can authorize.
func AssertReady(ctx context.Context, client MessagingClient) error {
	ok, err := client.CanSendMessage(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotReady, err)
	}
	if !ok {
		return fmt.Errorf("%w: the server does not provide the \"system/$process-message\" scope", ErrNotReady)
	}
	if err := client.Authorize(ctx); err != nil {
		return fmt.Errorf("%w: could not authorize messaging client - %v", ErrNotReady, err)
	}
	return nil
}

// PostAll checks the client is ready, then submits every bundle in order.
// Only a failed readiness check is returned as an error.
func (d *Dispatcher) PostAll(ctx context.Context, client MessagingClient, subs []Submission) (Result, error) {
	if err := AssertReady(ctx, client); err != nil {
		return Result{}, err
	}
	return d.PostReady(ctx, client, subs), nil
}

// PostReady submits every bundle in order to a client that already passed
// AssertReady. A rejected submission is recorded under its row and the batch
// continues.
func (d *Dispatcher) PostReady(ctx context.Context, client MessagingClient, subs []Submission) Result {
	result := Result{AllSucceeded: true, Errors: make(extraction.ErrorLog, len(subs))}
	for _, s := range subs {
		result.Errors[s.Row] = []error{}
		if err := d.post(ctx, client, s); err != nil {
			result.AllSucceeded = false
			result.Errors.Add(s.Row, err)
		}
	}
	return result
}

func (d *Dispatcher) post(ctx context.Context, client MessagingClient, s Submission) error {
	rowNum := s.Row + 1
	log := d.logger.With().Str("row", strconv.Itoa(rowNum)).Logger()

	message := s.Bundle
	if !message.IsMessage() {
		wrapped, err := fhir.Wrap(message)
		if err != nil {
			log.Error().Err(err).Msgf("ERROR - could not wrap bundle for patient at row %d", rowNum)
			return &TransportError{Raw: err}
		}
		message = wrapped
	}

	if d.opts.SkipEmptyBundles {
		if counts, err := fhir.CountResourcesByType(message); err == nil && len(counts) == 0 {
			log.Info().Msgf("SKIPPED - no resources extracted for patient at row %d", rowNum)
			if d.opts.Observer != nil {
				d.opts.Observer.MessageSkipped()
			}
			return nil
		}
	}

	if d.opts.Archiver != nil {
		if err := d.opts.Archiver.Archive(ctx, s.Row, message); err != nil {
			log.Warn().Err(err).Msg("could not archive message bundle")
		}
	}

	err := client.ProcessMessage(ctx, message)
	if err == nil {
		log.Info().Msgf("SUCCESS - sent message for patient at row %d", rowNum)
		if d.opts.Observer != nil {
			d.opts.Observer.MessagePosted()
		}
		return nil
	}

	tagged := classify(err)
	var rejection *ValidationRejection
	if errors.As(tagged, &rejection) {
		log.Error().Err(err).Str("violation", rejection.Detail).
			Msgf("ERROR - could not send message for patient at row %d - %s", rowNum, rejection.Detail)
		d.observeRejection("validation")
	} else {
		log.Error().Err(err).
			Msgf("ERROR - could not send message for patient at row %d, response could not be parsed as a violation", rowNum)
		d.observeRejection("transport")
	}
	return tagged
}

func (d *Dispatcher) observeRejection(kind string) {
	if d.opts.Observer != nil {
		d.opts.Observer.MessageRejected(kind)
	}
}
