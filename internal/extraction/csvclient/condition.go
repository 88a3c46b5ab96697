package csvclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/icaredata/icare-extract/internal/platform/fhir"
)

const (
	defaultConditionSystem = "http://snomed.info/sct"
	clinicalStatusSystem   = "http://terminology.hl7.org/CodeSystem/condition-clinical"
	verificationSystem     = "http://terminology.hl7.org/CodeSystem/condition-ver-status"
	conditionCategorySys   = "http://terminology.hl7.org/CodeSystem/condition-category"
)

type conditionExtractor struct {
	label string
	path  string
	rows  []row
}

func (e *conditionExtractor) Label() string { return e.label }

func (e *conditionExtractor) Init(ctx context.Context) error {
	rows, err := readRows(e.path)
	if err != nil {
		return err
	}
	e.rows = rows
	return nil
}

func (e *conditionExtractor) Extract(ctx context.Context, pc *patientContext) ([]interface{}, error) {
	if pc.PatientRef == "" {
		return nil, errors.New("condition extraction requires a patient")
	}
	matches, err := rowsFor(e.rows, pc.MRN, pc.From, pc.To)
	if err != nil {
		return nil, err
	}

	var out []interface{}
	for i, r := range matches {
		code := r.get("code")
		if code == "" {
			return out, fmt.Errorf("condition row %d for patient %s has no code", i+1, pc.MRN)
		}
		system := r.get("codeSystem")
		if system == "" {
			system = defaultConditionSystem
		}
		id := r.get("conditionId")
		if id == "" {
			id = resourceID("Condition", pc.MRN, system, code, r.get("dateOfDiagnosis"))
		}

		c := condition{
			ResourceType:       "Condition",
			ID:                 id,
			ClinicalStatus:     codeable(clinicalStatusSystem, r.get("clinicalStatus"), ""),
			VerificationStatus: codeable(verificationSystem, r.get("verificationStatus"), ""),
			Code:               *codeable(system, code, r.get("displayName")),
			Subject:            fhir.Reference{Reference: pc.PatientRef},
			OnsetDateTime:      r.get("dateOfDiagnosis"),
			RecordedDate:       r.get("dateRecorded"),
		}
		if cat := codeable(conditionCategorySys, r.get("category"), ""); cat != nil {
			c.Category = []fhir.CodeableConcept{*cat}
		}
		if site := codeable(defaultConditionSystem, r.get("bodySite"), ""); site != nil {
			c.BodySite = []fhir.CodeableConcept{*site}
		}
		out = append(out, c)
	}
	return out, nil
}
