package fhir

import (
	"encoding/json"
	"fmt"
)

// Bundle types used by the extraction and messaging flow.
const (
	BundleTypeCollection = "collection"
	BundleTypeMessage    = "message"
)

// Bundle represents a FHIR Bundle resource. Entry resources are kept as raw
// JSON so that a bundle can be re-serialized without touching its contents.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type,omitempty"`
	Timestamp    string        `json:"timestamp,omitempty"`
	Entry        []BundleEntry `json:"entry"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// NewCollectionBundle builds a collection Bundle holding the given resources in
// order. Resources are marshalled individually; a resource that cannot be
// encoded is reported with its position. Entries of resources that carry an
// id get a urn:uuid fullUrl.
func NewCollectionBundle(resources ...interface{}) (*Bundle, error) {
	b := &Bundle{
		ResourceType: "Bundle",
		Type:         BundleTypeCollection,
		Entry:        make([]BundleEntry, 0, len(resources)),
	}
	for i, r := range resources {
		raw, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("encode resource %d: %w", i, err)
		}
		entry := BundleEntry{Resource: raw}
		var res Resource
		if err := json.Unmarshal(raw, &res); err == nil && res.ID != "" {
			entry.FullURL = UUIDFullURL(res.ID)
		}
		b.Entry = append(b.Entry, entry)
	}
	return b, nil
}

// Len returns the number of entries in the bundle.
func (b *Bundle) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Entry)
}

// IsMessage reports whether b already has the two-entry message envelope
// shape: a message Bundle whose first entry is a MessageHeader.
func (b *Bundle) IsMessage() bool {
	if b == nil || b.Type != BundleTypeMessage || len(b.Entry) != 2 {
		return false
	}
	return ResourceType(b.Entry[0].Resource) == "MessageHeader"
}
