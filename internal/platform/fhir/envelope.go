package fhir

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Fixed values of the ICAREdata submission envelope.
const (
	SubmissionEventSystem = "http://example.org/fhir/message-events"
	SubmissionEventCode   = "icaredata-submission"
	SubmissionEndpoint    = "http://icaredata.org/"

	// TimestampLayout is the envelope timestamp format (YYYY-MM-DDThh:mm:ssZ).
	TimestampLayout = "2006-01-02T15:04:05Z07:00"

	researchStudySitePath = "Bundle.entry.where(resource.resourceType='ResearchStudy').resource.site"
)

// ErrMalformedBundle is returned when a bundle does not have the message
// envelope shape a caller relies on.
var ErrMalformedBundle = errors.New("malformed message bundle")

// MessageHeader is the first entry of a message bundle.
type MessageHeader struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id"`
	EventCoding  Coding        `json:"eventCoding"`
	Sender       interface{}   `json:"sender,omitempty"`
	Source       MessageSource `json:"source"`
	Focus        []Reference   `json:"focus"`
}

type MessageSource struct {
	Endpoint string `json:"endpoint"`
}

// UUIDFullURL renders an id as a urn:uuid fullUrl.
func UUIDFullURL(id string) string {
	return "urn:uuid:" + id
}

// Wrap packages a collection of extracted resources into a message bundle:
// a MessageHeader entry whose focus references a collection Bundle entry that
// carries the original entries unchanged.
func Wrap(raw *Bundle) (*Bundle, error) {
	return wrap(raw, time.Now(), uuid.NewString)
}

func wrap(raw *Bundle, now time.Time, newID func() string) (*Bundle, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: nil bundle", ErrMalformedBundle)
	}
	entries := raw.Entry
	if entries == nil {
		entries = []BundleEntry{}
	}

	headerID := newID()
	bodyID := newID()

	header := MessageHeader{
		ResourceType: "MessageHeader",
		ID:           headerID,
		EventCoding: Coding{
			System: SubmissionEventSystem,
			Code:   SubmissionEventCode,
		},
		Focus: []Reference{{Reference: UUIDFullURL(bodyID)}},
	}
	site, siteValue := researchStudySite(raw)
	if site != nil {
		header.Sender = site
	}
	header.Source = MessageSource{Endpoint: SubmissionEndpoint + siteValue}

	body := Bundle{
		ResourceType: "Bundle",
		ID:           bodyID,
		Type:         BundleTypeCollection,
		Entry:        entries,
	}

	headerRaw, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("encode message header: %w", err)
	}
	bodyRaw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode message body: %w", err)
	}

	return &Bundle{
		ResourceType: "Bundle",
		ID:           newID(),
		Type:         BundleTypeMessage,
		Timestamp:    now.Format(TimestampLayout),
		Entry: []BundleEntry{
			{FullURL: UUIDFullURL(headerID), Resource: headerRaw},
			{FullURL: UUIDFullURL(bodyID), Resource: bodyRaw},
		},
	}, nil
}

// researchStudySite returns the site reference of the first ResearchStudy in
// the bundle along with its identifier value. Both are empty when no study or
// site is present.
func researchStudySite(raw *Bundle) (interface{}, string) {
	doc, err := ToMap(raw)
	if err != nil {
		return nil, ""
	}
	engine := NewFHIRPathEngine()
	result, err := engine.Evaluate(doc, researchStudySitePath)
	if err != nil || len(result) == 0 {
		return nil, ""
	}
	value, _ := engine.EvaluateString(doc, researchStudySitePath+".first().identifier.value")
	return result[0], value
}

// Body decodes the collection bundle carried by a message bundle.
func Body(message *Bundle) (*Bundle, error) {
	if message == nil || len(message.Entry) < 2 || len(message.Entry[1].Resource) == 0 {
		return nil, fmt.Errorf("%w: missing collection entry", ErrMalformedBundle)
	}
	var body Bundle
	if err := json.Unmarshal(message.Entry[1].Resource, &body); err != nil {
		return nil, fmt.Errorf("%w: decode collection entry: %v", ErrMalformedBundle, err)
	}
	if body.ResourceType != "Bundle" || body.Type != BundleTypeCollection {
		return nil, fmt.Errorf("%w: entry[1] is %s/%s, want Bundle/collection",
			ErrMalformedBundle, body.ResourceType, body.Type)
	}
	return &body, nil
}

// CountResourcesByType tallies the resource types held in the collection
// bundle of a message bundle.
func CountResourcesByType(message *Bundle) (map[string]int, error) {
	body, err := Body(message)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, e := range body.Entry {
		counts[ResourceType(e.Resource)]++
	}
	return counts, nil
}
