package sandbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/icaredata/icare-extract/internal/platform/fhir"
)

// validateMessage checks the submission envelope and returns the first
// violation found, or "" when the bundle is acceptable. The decoded header is
// returned whenever it could be read so rejections can reference it.
func validateMessage(b *fhir.Bundle) (*fhir.MessageHeader, string) {
	if b.ResourceType != "Bundle" {
		return nil, "resourceType must be Bundle"
	}
	if b.Type != fhir.BundleTypeMessage {
		return nil, fmt.Sprintf("Bundle.type must be message, got %q", b.Type)
	}
	if b.ID == "" || b.Timestamp == "" {
		return nil, "message bundle requires an id and timestamp"
	}
	if _, err := time.Parse(fhir.TimestampLayout, b.Timestamp); err != nil {
		return nil, fmt.Sprintf("Bundle.timestamp %q is not a valid instant", b.Timestamp)
	}
	if len(b.Entry) != 2 {
		return nil, fmt.Sprintf("message bundle must have exactly 2 entries, got %d", len(b.Entry))
	}

	var header fhir.MessageHeader
	if err := json.Unmarshal(b.Entry[0].Resource, &header); err != nil || header.ResourceType != "MessageHeader" {
		return nil, "Bundle.entry[0] must be a MessageHeader"
	}
	if header.EventCoding.Code != fhir.SubmissionEventCode {
		return &header, fmt.Sprintf("MessageHeader.eventCoding.code must be %s", fhir.SubmissionEventCode)
	}
	if b.Entry[0].FullURL != fhir.UUIDFullURL(header.ID) {
		return &header, "Bundle.entry[0].fullUrl does not match the MessageHeader id"
	}
	if header.Source.Endpoint == "" {
		return &header, "MessageHeader.source.endpoint is required"
	}

	body, err := fhir.Body(b)
	if err != nil {
		return &header, "Bundle.entry[1] must be a collection Bundle"
	}
	if b.Entry[1].FullURL != fhir.UUIDFullURL(body.ID) {
		return &header, "Bundle.entry[1].fullUrl does not match the collection bundle id"
	}
	if len(header.Focus) != 1 || header.Focus[0].Reference != b.Entry[1].FullURL {
		return &header, "MessageHeader.focus must reference the collection bundle"
	}

	patients := 0
	for i, e := range body.Entry {
		rt := fhir.ResourceType(e.Resource)
		if rt == "" {
			return &header, fmt.Sprintf("collection entry %d has no resourceType", i)
		}
		if rt == "Patient" {
			patients++
		}
	}
	if len(body.Entry) > 0 && patients != 1 {
		return &header, fmt.Sprintf("collection must contain exactly one Patient, found %d", patients)
	}
	return &header, ""
}

// responseMessage builds the message bundle returned by $process-message.
// Its second entry is an OperationOutcome; ICAREdata serializes the issue as a
// single object rather than an array.
func responseMessage(request *fhir.MessageHeader, code, violation string) map[string]interface{} {
	headerID := uuid.NewString()
	outcomeID := uuid.NewString()

	response := map[string]interface{}{"code": code}
	if request != nil {
		response["identifier"] = request.ID
	}
	header := map[string]interface{}{
		"resourceType": "MessageHeader",
		"id":           headerID,
		"eventCoding": map[string]interface{}{
			"system": fhir.SubmissionEventSystem,
			"code":   fhir.SubmissionEventCode,
		},
		"source":   map[string]interface{}{"endpoint": fhir.SubmissionEndpoint},
		"response": response,
		"focus":    []interface{}{map[string]interface{}{"reference": fhir.UUIDFullURL(outcomeID)}},
	}

	issue := map[string]interface{}{"severity": "information", "code": "informational"}
	if violation != "" {
		issue = map[string]interface{}{
			"severity":    "error",
			"code":        "invalid",
			"details":     map[string]interface{}{"text": violation},
			"diagnostics": violation,
		}
	}
	outcome := map[string]interface{}{
		"resourceType": "OperationOutcome",
		"id":           outcomeID,
		"issue":        issue,
	}

	return map[string]interface{}{
		"resourceType": "Bundle",
		"id":           uuid.NewString(),
		"type":         fhir.BundleTypeMessage,
		"timestamp":    time.Now().UTC().Format(fhir.TimestampLayout),
		"entry": []interface{}{
			map[string]interface{}{"fullUrl": fhir.UUIDFullURL(headerID), "resource": header},
			map[string]interface{}{"fullUrl": fhir.UUIDFullURL(outcomeID), "resource": outcome},
		},
	}
}
