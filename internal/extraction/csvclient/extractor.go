package csvclient

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/icaredata/icare-extract/internal/config"
)

// Extractor type names accepted in the extractors configuration.
const (
	TypePatient                  = "CSVPatientExtractor"
	TypeCondition                = "CSVConditionExtractor"
	TypeClinicalTrialInformation = "CSVClinicalTrialInformationExtractor"
)

// patientContext carries what earlier extractors learned about the patient
// being extracted.
type patientContext struct {
	MRN        string
	From       *time.Time
	To         *time.Time
	PatientRef string
}

// Extractor turns the CSV rows of one patient into FHIR resources.
type Extractor interface {
	Label() string
	// Init loads the backing file. It is called once before any extraction.
	Init(ctx context.Context) error
	Extract(ctx context.Context, pc *patientContext) ([]interface{}, error)
}

type constructor func(cfg config.ExtractorConfig, common config.CommonExtractorArgs) Extractor

var registry = map[string]constructor{
	TypePatient: func(cfg config.ExtractorConfig, _ config.CommonExtractorArgs) Extractor {
		return &patientExtractor{label: cfg.Label, path: cfg.ConstructorArgs.FilePath}
	},
	TypeCondition: func(cfg config.ExtractorConfig, _ config.CommonExtractorArgs) Extractor {
		return &conditionExtractor{label: cfg.Label, path: cfg.ConstructorArgs.FilePath}
	},
	TypeClinicalTrialInformation: func(cfg config.ExtractorConfig, common config.CommonExtractorArgs) Extractor {
		return &clinicalTrialExtractor{
			label:      cfg.Label,
			path:       cfg.ConstructorArgs.FilePath,
			siteID:     common.ClinicalSiteID,
			siteSystem: common.ClinicalSiteSystem,
		}
	},
}

// dependencies lists the extractor types each type needs to run first.
var dependencies = map[string][]string{
	TypePatient:                  nil,
	TypeCondition:                {TypePatient},
	TypeClinicalTrialInformation: {TypePatient},
}

// SortExtractors orders extractor configs so every extractor runs after its
// dependencies. Extractors with the same depth keep their configured order.
// Unknown types and missing dependencies are configuration errors.
func SortExtractors(cfgs []config.ExtractorConfig) ([]config.ExtractorConfig, error) {
	present := make(map[string]bool, len(cfgs))
	for _, c := range cfgs {
		if _, ok := registry[c.Type]; !ok {
			return nil, fmt.Errorf("%w: unknown extractor type %q", config.ErrInvalidConfig, c.Type)
		}
		present[c.Type] = true
	}

	var missing []string
	for _, c := range cfgs {
		for _, dep := range dependencies[c.Type] {
			if !present[dep] {
				missing = append(missing, fmt.Sprintf("%s requires %s", c.Type, dep))
			}
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: some extractors have missing dependencies: %s",
			config.ErrInvalidConfig, strings.Join(missing, "; "))
	}

	sorted := append([]config.ExtractorConfig(nil), cfgs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return depth(sorted[i].Type) < depth(sorted[j].Type)
	})
	return sorted, nil
}

func depth(extractorType string) int {
	d := 0
	for _, dep := range dependencies[extractorType] {
		if n := depth(dep) + 1; n > d {
			d = n
		}
	}
	return d
}
