package dispatch

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/icaredata/icare-extract/internal/platform/fhir"
)

// Paths into the ICAREdata rejection payload: a message bundle whose second
// entry is an OperationOutcome.
const (
	violationTextPath        = "Bundle.entry[1].resource.issue.details.text"
	violationDiagnosticsPath = "Bundle.entry[1].resource.issue.diagnostics"
)

// ValidationRejection is a submission the endpoint rejected with a
// structured violation.
type ValidationRejection struct {
	Detail string
	Err    error
}

func (e *ValidationRejection) Error() string {
	return e.Err.Error() + " - " + e.Detail
}

func (e *ValidationRejection) Unwrap() error { return e.Err }

// TransportError is any submission failure without a readable violation:
// network errors, unexpected status codes or unexpected payloads.
type TransportError struct {
	Raw error
}

func (e *TransportError) Error() string { return e.Raw.Error() }

func (e *TransportError) Unwrap() error { return e.Raw }

// responseBodyError is implemented by client errors that carry the body of
// the rejected response.
type responseBodyError interface {
	error
	ResponseBody() []byte
}

// classify tags a processMessage error. The violation parse is best effort:
// when it fails the original error is kept as a TransportError.
func classify(err error) error {
	var rb responseBodyError
	if errors.As(err, &rb) {
		if detail, ok := parseViolation(rb.ResponseBody()); ok {
			return &ValidationRejection{Detail: detail, Err: err}
		}
	}
	return &TransportError{Raw: err}
}

// parseViolation reads {"errorMessage": "<message bundle JSON>"} and returns
// the issue texts of the embedded OperationOutcome.
func parseViolation(body []byte) (string, bool) {
	var envelope struct {
		ErrorMessage json.RawMessage `json:"errorMessage"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.ErrorMessage) == 0 {
		return "", false
	}

	doc := envelope.ErrorMessage
	var embedded string
	if err := json.Unmarshal(doc, &embedded); err == nil {
		doc = json.RawMessage(embedded)
	}
	var violation map[string]interface{}
	if err := json.Unmarshal(doc, &violation); err != nil {
		return "", false
	}

	engine := fhir.NewFHIRPathEngine()
	for _, path := range []string{violationTextPath, violationDiagnosticsPath} {
		values, err := engine.Evaluate(violation, path)
		if err != nil {
			return "", false
		}
		var texts []string
		for _, v := range values {
			if s, ok := v.(string); ok && s != "" {
				texts = append(texts, s)
			}
		}
		if len(texts) > 0 {
			return strings.Join(texts, "; "), true
		}
	}
	return "", false
}
