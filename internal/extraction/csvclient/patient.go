package csvclient

import (
	"context"
	"fmt"
	"strings"

	"github.com/icaredata/icare-extract/internal/platform/fhir"
)

const (
	mrnSystem      = "http://hl7.org/fhir/sid/us-mrn"
	patientProfile = "http://hl7.org/fhir/us/mcode/StructureDefinition/mcode-cancer-patient"
)

type patientExtractor struct {
	label string
	path  string
	rows  []row
}

func (e *patientExtractor) Label() string { return e.label }

func (e *patientExtractor) Init(ctx context.Context) error {
	rows, err := readRows(e.path)
	if err != nil {
		return err
	}
	e.rows = rows
	return nil
}

// Extract emits the Patient resource. The patient row is never filtered by
// the date window.
func (e *patientExtractor) Extract(ctx context.Context, pc *patientContext) ([]interface{}, error) {
	matches, err := rowsFor(e.rows, pc.MRN, nil, nil)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no patient row found for mrn %s in %s", pc.MRN, e.path)
	}
	r := matches[0]

	p := patient{
		ResourceType: "Patient",
		ID:           resourceID("Patient", pc.MRN),
		Meta:         &meta{Profile: []string{patientProfile}},
		Identifier:   []fhir.Identifier{{Use: "usual", System: mrnSystem, Value: pc.MRN}},
		Gender:       strings.ToLower(r.get("gender")),
		BirthDate:    r.get("dateOfBirth"),
	}
	if family, given := r.get("familyName"), r.get("givenName"); family != "" || given != "" {
		name := humanName{Family: family}
		if given != "" {
			name.Given = strings.Fields(given)
		}
		p.Name = []humanName{name}
	}
	pc.PatientRef = fhir.UUIDFullURL(p.ID)
	return []interface{}{p}, nil
}
