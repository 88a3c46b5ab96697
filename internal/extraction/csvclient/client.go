// Package csvclient extracts patient data from CSV files into FHIR
// resources and returns it as ICAREdata message bundles.
package csvclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/icaredata/icare-extract/internal/config"
	"github.com/icaredata/icare-extract/internal/extraction"
	"github.com/icaredata/icare-extract/internal/platform/fhir"
)

// Config selects and parameterizes the extractors of a Client.
type Config struct {
	Extractors          []config.ExtractorConfig
	CommonExtractorArgs config.CommonExtractorArgs
}

// Client runs the configured extractors for one patient at a time.
type Client struct {
	extractors []Extractor
	logger     zerolog.Logger
}

var _ extraction.Client = (*Client)(nil)

// New builds the extractors in dependency order. Init must be called before
// the first Get.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	sorted, err := SortExtractors(cfg.Extractors)
	if err != nil {
		return nil, err
	}
	if len(sorted) == 0 || sorted[0].Type != TypePatient {
		return nil, fmt.Errorf("%w: a %s is required", config.ErrInvalidConfig, TypePatient)
	}
	c := &Client{logger: logger}
	for _, ec := range sorted {
		c.extractors = append(c.extractors, registry[ec.Type](ec, cfg.CommonExtractorArgs))
	}
	return c, nil
}

// Init loads every extractor's source file.
func (c *Client) Init(ctx context.Context) error {
	for _, ex := range c.extractors {
		if err := ex.Init(ctx); err != nil {
			return fmt.Errorf("%w: initialize extractor %q: %v", config.ErrInvalidConfig, ex.Label(), err)
		}
		c.logger.Debug().Str("extractor", ex.Label()).Msg("extractor initialized")
	}
	return nil
}

// Get extracts one patient. A patient extraction failure is fatal; failures
// of the other extractors are reported as extraction errors and their
// resources are left out.
func (c *Client) Get(ctx context.Context, req extraction.Request) (*extraction.Response, error) {
	if req.MRN == "" {
		return nil, errors.New("empty mrn")
	}
	pc := &patientContext{MRN: req.MRN, From: req.From, To: req.To}

	var (
		resources        []interface{}
		extractionErrors []error
	)
	for _, ex := range c.extractors {
		out, err := ex.Extract(ctx, pc)
		if err != nil {
			if _, isPatient := ex.(*patientExtractor); isPatient {
				return nil, fmt.Errorf("extractor %q: %w", ex.Label(), err)
			}
			c.logger.Debug().Err(err).Str("extractor", ex.Label()).Msg("extractor failed")
			extractionErrors = append(extractionErrors, fmt.Errorf("extractor %q: %w", ex.Label(), err))
			continue
		}
		resources = append(resources, out...)
	}

	raw, err := fhir.NewCollectionBundle(resources...)
	if err != nil {
		return nil, fmt.Errorf("build bundle: %w", err)
	}
	c.logger.Info().Int("entries", raw.Len()).Msg("generating a new message bundle")
	message, err := fhir.Wrap(raw)
	if err != nil {
		return nil, err
	}
	return &extraction.Response{Bundle: message, ExtractionErrors: extractionErrors}, nil
}
