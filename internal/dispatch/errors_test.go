package dispatch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseViolation(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		want   string
		wantOK bool
	}{
		{
			name:   "issueObject",
			body:   `{"errorMessage":"{\"resourceType\":\"Bundle\",\"entry\":[{},{\"resource\":{\"issue\":{\"details\":{\"text\":\"bad code\"}}}}]}"}`,
			want:   "bad code",
			wantOK: true,
		},
		{
			name:   "issueArray",
			body:   `{"errorMessage":"{\"resourceType\":\"Bundle\",\"entry\":[{},{\"resource\":{\"issue\":[{\"details\":{\"text\":\"a\"}},{\"details\":{\"text\":\"b\"}}]}}]}"}`,
			want:   "a; b",
			wantOK: true,
		},
		{
			name:   "diagnosticsFallback",
			body:   `{"errorMessage":"{\"resourceType\":\"Bundle\",\"entry\":[{},{\"resource\":{\"issue\":[{\"diagnostics\":\"missing subject\"}]}}]}"}`,
			want:   "missing subject",
			wantOK: true,
		},
		{
			name:   "embeddedObject",
			body:   `{"errorMessage":{"resourceType":"Bundle","entry":[{},{"resource":{"issue":[{"details":{"text":"x"}}]}}]}}`,
			want:   "x",
			wantOK: true,
		},
		{name: "notJSON", body: `oops`},
		{name: "errorMessageNotJSON", body: `{"errorMessage":"Internal Server Error"}`},
		{name: "notABundle", body: `{"errorMessage":"{\"resourceType\":\"OperationOutcome\"}"}`},
		{name: "empty", body: ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseViolation([]byte(tt.body))
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassify(t *testing.T) {
	plain := errors.New("timeout")
	var transport *TransportError
	assert.ErrorAs(t, classify(plain), &transport)
	assert.Equal(t, "timeout", classify(plain).Error())

	structured := &bodyError{body: []byte(`{"errorMessage":"{\"resourceType\":\"Bundle\",\"entry\":[{},{\"resource\":{\"issue\":{\"details\":{\"text\":\"bad\"}}}}]}"}`)}
	tagged := classify(structured)
	var rejection *ValidationRejection
	assert.ErrorAs(t, tagged, &rejection)
	assert.ErrorIs(t, tagged, structured)
	assert.Equal(t, "request failed with status 400 - bad", tagged.Error())
}
