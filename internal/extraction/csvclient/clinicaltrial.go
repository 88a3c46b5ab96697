package csvclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/icaredata/icare-extract/internal/platform/fhir"
)

const trialIdentifierSystem = "http://example.com/clinicaltrialids"

type clinicalTrialExtractor struct {
	label      string
	path       string
	siteID     string
	siteSystem string
	rows       []row
}

func (e *clinicalTrialExtractor) Label() string { return e.label }

func (e *clinicalTrialExtractor) Init(ctx context.Context) error {
	if e.siteID == "" {
		return errors.New("clinical trial extraction requires commonExtractorArgs.clinicalSiteID")
	}
	rows, err := readRows(e.path)
	if err != nil {
		return err
	}
	e.rows = rows
	return nil
}

// Extract emits a ResearchSubject and its ResearchStudy per trial row. The
// study carries the clinical site, which becomes the message sender.
func (e *clinicalTrialExtractor) Extract(ctx context.Context, pc *patientContext) ([]interface{}, error) {
	if pc.PatientRef == "" {
		return nil, errors.New("clinical trial extraction requires a patient")
	}
	matches, err := rowsFor(e.rows, pc.MRN, pc.From, pc.To)
	if err != nil {
		return nil, err
	}

	var out []interface{}
	for i, r := range matches {
		studyID := r.get("trialResearchID")
		subjectID := r.get("trialSubjectID")
		if studyID == "" || subjectID == "" {
			return out, fmt.Errorf("clinical trial row %d for patient %s needs trialResearchID and trialSubjectID", i+1, pc.MRN)
		}

		study := researchStudy{
			ResourceType: "ResearchStudy",
			ID:           resourceID("ResearchStudy", studyID),
			Identifier:   []fhir.Identifier{{System: trialIdentifierSystem, Value: studyID}},
			Status:       valueOr(r.get("trialStatus"), "active"),
			Site: []fhir.Reference{{
				Identifier: &fhir.Identifier{System: e.siteSystem, Value: e.siteID},
			}},
		}
		subject := researchSubject{
			ResourceType: "ResearchSubject",
			ID:           resourceID("ResearchSubject", pc.MRN, studyID, subjectID),
			Identifier:   []fhir.Identifier{{System: trialIdentifierSystem, Value: subjectID}},
			Status:       valueOr(r.get("enrollmentStatus"), "on-study"),
			Study:        fhir.Reference{Reference: fhir.UUIDFullURL(study.ID)},
			Individual:   fhir.Reference{Reference: pc.PatientRef},
		}
		out = append(out, subject, study)
	}
	return out, nil
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
