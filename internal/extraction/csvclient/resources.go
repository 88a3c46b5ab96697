package csvclient

import (
	"strings"

	"github.com/google/uuid"

	"github.com/icaredata/icare-extract/internal/platform/fhir"
)

// Resource ids are name-based UUIDs so re-running an extraction produces
// the same ids for the same source rows.
var idNamespace = uuid.MustParse("5c6a3b0e-7a1e-4f1b-9a53-2d7f0b3c8e41")

func resourceID(parts ...string) string {
	return uuid.NewSHA1(idNamespace, []byte(strings.Join(parts, "|"))).String()
}

type meta struct {
	Profile []string `json:"profile,omitempty"`
}

type humanName struct {
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
}

type patient struct {
	ResourceType string            `json:"resourceType"`
	ID           string            `json:"id"`
	Meta         *meta             `json:"meta,omitempty"`
	Identifier   []fhir.Identifier `json:"identifier,omitempty"`
	Name         []humanName       `json:"name,omitempty"`
	Gender       string            `json:"gender,omitempty"`
	BirthDate    string            `json:"birthDate,omitempty"`
}

type condition struct {
	ResourceType       string                 `json:"resourceType"`
	ID                 string                 `json:"id"`
	Meta               *meta                  `json:"meta,omitempty"`
	ClinicalStatus     *fhir.CodeableConcept  `json:"clinicalStatus,omitempty"`
	VerificationStatus *fhir.CodeableConcept  `json:"verificationStatus,omitempty"`
	Category           []fhir.CodeableConcept `json:"category,omitempty"`
	Code               fhir.CodeableConcept   `json:"code"`
	BodySite           []fhir.CodeableConcept `json:"bodySite,omitempty"`
	Subject            fhir.Reference         `json:"subject"`
	OnsetDateTime      string                 `json:"onsetDateTime,omitempty"`
	RecordedDate       string                 `json:"recordedDate,omitempty"`
}

type researchSubject struct {
	ResourceType string            `json:"resourceType"`
	ID           string            `json:"id"`
	Identifier   []fhir.Identifier `json:"identifier,omitempty"`
	Status       string            `json:"status"`
	Study        fhir.Reference    `json:"study"`
	Individual   fhir.Reference    `json:"individual"`
}

type researchStudy struct {
	ResourceType string            `json:"resourceType"`
	ID           string            `json:"id"`
	Identifier   []fhir.Identifier `json:"identifier,omitempty"`
	Status       string            `json:"status"`
	Site         []fhir.Reference  `json:"site,omitempty"`
}

func codeable(system, code, display string) *fhir.CodeableConcept {
	if code == "" {
		return nil
	}
	return &fhir.CodeableConcept{Coding: []fhir.Coding{{System: system, Code: code, Display: display}}}
}
