package messaging

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	fhirclient "github.com/SanteonNL/go-fhir-client"
)

// ResponseError is a non-2xx answer from the messaging endpoint.
type ResponseError struct {
	StatusCode int
	Body       []byte
	Err        error
}

func (e *ResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("request failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("request failed with status %d", e.StatusCode)
}

func (e *ResponseError) Unwrap() error { return e.Err }

// ResponseBody returns the raw body of the rejected response.
func (e *ResponseError) ResponseBody() []byte { return e.Body }

type recorderKey struct{}

// responseRecorder receives the last non-2xx response seen for a request
// context.
type responseRecorder struct {
	status int
	body   []byte
}

func withRecorder(ctx context.Context) (context.Context, *responseRecorder) {
	rec := &responseRecorder{}
	return context.WithValue(ctx, recorderKey{}, rec), rec
}

// recordNon2xx is the fhirclient Non2xxStatusHandler. The client has already
// read the body; it is handed to the recorder bound to the request context.
func recordNon2xx(resp *http.Response, body []byte) {
	if resp == nil || resp.Request == nil {
		return
	}
	if rec, ok := resp.Request.Context().Value(recorderKey{}).(*responseRecorder); ok {
		rec.status = resp.StatusCode
		rec.body = body
	}
}

// withContext binds an outgoing fhirclient request to ctx, so cancellation
// and the response recorder reach the transport.
func withContext(ctx context.Context) fhirclient.Option {
	return func(_ *url.URL, r *http.Request) {
		*r = *r.WithContext(ctx)
	}
}

func clientConfig() *fhirclient.Config {
	cfg := fhirclient.DefaultConfig()
	cfg.Non2xxStatusHandler = recordNon2xx
	return &cfg
}
