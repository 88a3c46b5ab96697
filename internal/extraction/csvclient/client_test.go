package csvclient

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icaredata/icare-extract/internal/config"
	"github.com/icaredata/icare-extract/internal/extraction"
	"github.com/icaredata/icare-extract/internal/platform/fhir"
)

const (
	patientCSV = "mrn,familyName,givenName,gender,dateOfBirth\n" +
		"123,Doe,Jane Q,Female,1970-01-01\n" +
		"456,Roe,Rich,male,1980-02-02\n"
	conditionCSV = "mrn,conditionId,codeSystem,code,displayName,category,dateOfDiagnosis,clinicalStatus,dateRecorded\n" +
		"123,cond-1,http://snomed.info/sct,254637007,NSCLC,problem-list-item,2019-01-01,active,2020-01-15\n" +
		"123,cond-2,,363346000,Cancer,,2019-06-01,active,2020-05-01\n" +
		"456,cond-3,,,,,,,2020-01-15\n"
	trialCSV = "mrn,trialSubjectID,enrollmentStatus,trialResearchID,trialStatus\n" +
		"123,subj-1,on-study,study-1,active\n"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		// Deliberately out of dependency order.
		Extractors: []config.ExtractorConfig{
			{Label: "condition", Type: TypeCondition, ConstructorArgs: config.ConstructorArgs{FilePath: writeFile(t, dir, "condition.csv", conditionCSV)}},
			{Label: "trial", Type: TypeClinicalTrialInformation, ConstructorArgs: config.ConstructorArgs{FilePath: writeFile(t, dir, "trial.csv", trialCSV)}},
			{Label: "patient", Type: TypePatient, ConstructorArgs: config.ConstructorArgs{FilePath: writeFile(t, dir, "patient.csv", "\xEF\xBB\xBF"+patientCSV)}},
		},
		CommonExtractorArgs: config.CommonExtractorArgs{ClinicalSiteID: "site-9", ClinicalSiteSystem: "http://example.com/clinicalSiteIds"},
	}
	c, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, c.Init(context.Background()))
	return c
}

func bodyTypes(t *testing.T, msg *fhir.Bundle) []string {
	t.Helper()
	body, err := fhir.Body(msg)
	require.NoError(t, err)
	var types []string
	for _, e := range body.Entry {
		types = append(types, fhir.ResourceType(e.Resource))
		assert.NotEmpty(t, e.FullURL)
	}
	return types
}

func TestClient_Get(t *testing.T) {
	c := newTestClient(t)

	resp, err := c.Get(context.Background(), extraction.Request{MRN: "123"})
	require.NoError(t, err)
	assert.Empty(t, resp.ExtractionErrors)
	require.True(t, resp.Bundle.IsMessage())
	assert.Equal(t, []string{"Patient", "Condition", "Condition", "ResearchSubject", "ResearchStudy"}, bodyTypes(t, resp.Bundle))

	var header fhir.MessageHeader
	require.NoError(t, json.Unmarshal(resp.Bundle.Entry[0].Resource, &header))
	assert.Equal(t, "http://icaredata.org/site-9", header.Source.Endpoint)
}

func TestClient_Get_DateWindow(t *testing.T) {
	c := newTestClient(t)
	from := time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)

	resp, err := c.Get(context.Background(), extraction.Request{MRN: "123", From: &from})
	require.NoError(t, err)
	// The trial row has no dateRecorded and is always included.
	assert.Equal(t, []string{"Patient", "Condition", "ResearchSubject", "ResearchStudy"}, bodyTypes(t, resp.Bundle))
}

func TestClient_Get_NonFatalExtractorError(t *testing.T) {
	c := newTestClient(t)

	resp, err := c.Get(context.Background(), extraction.Request{MRN: "456"})
	require.NoError(t, err)
	require.Len(t, resp.ExtractionErrors, 1)
	assert.ErrorContains(t, resp.ExtractionErrors[0], "has no code")
	assert.Equal(t, []string{"Patient"}, bodyTypes(t, resp.Bundle))
}

func TestClient_Get_UnknownPatientIsFatal(t *testing.T) {
	c := newTestClient(t)

	_, err := c.Get(context.Background(), extraction.Request{MRN: "999"})
	assert.ErrorContains(t, err, "no patient row found")
}

func TestClient_Get_StableIDs(t *testing.T) {
	c := newTestClient(t)

	first, err := c.Get(context.Background(), extraction.Request{MRN: "123"})
	require.NoError(t, err)
	second, err := c.Get(context.Background(), extraction.Request{MRN: "123"})
	require.NoError(t, err)

	b1, err := fhir.Body(first.Bundle)
	require.NoError(t, err)
	b2, err := fhir.Body(second.Bundle)
	require.NoError(t, err)
	assert.Equal(t, b1.Entry, b2.Entry)
	assert.NotEqual(t, first.Bundle.ID, second.Bundle.ID)
}

func TestNew_RequiresPatientExtractor(t *testing.T) {
	_, err := New(Config{Extractors: []config.ExtractorConfig{}}, zerolog.Nop())
	assert.True(t, errors.Is(err, config.ErrInvalidConfig))
}

func TestInit_MissingFile(t *testing.T) {
	c, err := New(Config{Extractors: []config.ExtractorConfig{
		{Label: "patient", Type: TypePatient, ConstructorArgs: config.ConstructorArgs{FilePath: filepath.Join(t.TempDir(), "nope.csv")}},
	}}, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, errors.Is(c.Init(context.Background()), config.ErrInvalidConfig))
}

func TestInit_TrialRequiresSite(t *testing.T) {
	dir := t.TempDir()
	c, err := New(Config{Extractors: []config.ExtractorConfig{
		{Label: "patient", Type: TypePatient, ConstructorArgs: config.ConstructorArgs{FilePath: writeFile(t, dir, "p.csv", patientCSV)}},
		{Label: "trial", Type: TypeClinicalTrialInformation, ConstructorArgs: config.ConstructorArgs{FilePath: writeFile(t, dir, "t.csv", trialCSV)}},
	}}, zerolog.Nop())
	require.NoError(t, err)
	assert.ErrorContains(t, c.Init(context.Background()), "clinicalSiteID")
}
