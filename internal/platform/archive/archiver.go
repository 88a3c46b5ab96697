package archive

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/icaredata/icare-extract/internal/platform/fhir"
)

const contentType = "application/fhir+json"

// Archiver stores the message bundles of one run.
type Archiver struct {
	store BlobStore
	runID string
}

func NewArchiver(store BlobStore, runID string) *Archiver {
	return &Archiver{store: store, runID: runID}
}

// RunID is the key prefix of this run's objects.
func (a *Archiver) RunID() string { return a.runID }

// Key returns the object key for a roster row (0-based).
func (a *Archiver) Key(row int) string {
	return fmt.Sprintf("%s/row-%d.json", a.runID, row+1)
}

// Archive writes the bundle for row.
func (a *Archiver) Archive(ctx context.Context, row int, bundle *fhir.Bundle) error {
	data, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("encode bundle for row %d: %w", row+1, err)
	}
	if _, err := a.store.Put(ctx, a.Key(row), contentType, data); err != nil {
		return fmt.Errorf("archive row %d: %w", row+1, err)
	}
	return nil
}

// List returns this run's archived objects ordered by key.
func (a *Archiver) List(ctx context.Context) ([]ObjectInfo, error) {
	return a.store.List(ctx, a.runID+"/")
}

// Load reads back the bundle archived for row.
func (a *Archiver) Load(ctx context.Context, row int) (*fhir.Bundle, error) {
	data, _, err := a.store.Get(ctx, a.Key(row))
	if err != nil {
		return nil, err
	}
	var b fhir.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode archived row %d: %w", row+1, err)
	}
	return &b, nil
}
