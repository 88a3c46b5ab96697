package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/icaredata/icare-extract/internal/platform/fhir"
)

type mockMessagingClient struct {
	mock.Mock
	order []string
}

func (m *mockMessagingClient) CanSendMessage(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *mockMessagingClient) Authorize(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockMessagingClient) ProcessMessage(ctx context.Context, bundle *fhir.Bundle) error {
	m.order = append(m.order, bundle.ID)
	return m.Called(ctx, bundle).Error(0)
}

func readyClient() *mockMessagingClient {
	c := &mockMessagingClient{}
	c.On("CanSendMessage", mock.Anything).Return(true, nil)
	c.On("Authorize", mock.Anything).Return(nil)
	return c
}

type bodyError struct {
	status int
	body   []byte
}

func (e *bodyError) Error() string        { return "request failed with status 400" }
func (e *bodyError) ResponseBody() []byte { return e.body }

type recordingObserver struct {
	posted, skipped int
	rejected        []string
}

func (o *recordingObserver) MessagePosted()              { o.posted++ }
func (o *recordingObserver) MessageSkipped()             { o.skipped++ }
func (o *recordingObserver) MessageRejected(kind string) { o.rejected = append(o.rejected, kind) }

func message(t *testing.T, resources ...interface{}) *fhir.Bundle {
	t.Helper()
	raw, err := fhir.NewCollectionBundle(resources...)
	require.NoError(t, err)
	msg, err := fhir.Wrap(raw)
	require.NoError(t, err)
	return msg
}

func patient(id string) map[string]interface{} {
	return map[string]interface{}{"resourceType": "Patient", "id": id}
}

func icareRejection(t *testing.T, issue interface{}) []byte {
	t.Helper()
	violation := map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "message",
		"entry": []interface{}{
			map[string]interface{}{"resource": map[string]interface{}{"resourceType": "MessageHeader"}},
			map[string]interface{}{"resource": map[string]interface{}{"resourceType": "OperationOutcome", "issue": issue}},
		},
	}
	inner, err := json.Marshal(violation)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]string{"errorMessage": string(inner)})
	require.NoError(t, err)
	return body
}

func TestAssertReady(t *testing.T) {
	ctx := context.Background()

	require.NoError(t, AssertReady(ctx, readyClient()))

	noScope := &mockMessagingClient{}
	noScope.On("CanSendMessage", mock.Anything).Return(false, nil)
	err := AssertReady(ctx, noScope)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorContains(t, err, "system/$process-message")
	noScope.AssertNotCalled(t, "Authorize", mock.Anything)

	unreachable := &mockMessagingClient{}
	unreachable.On("CanSendMessage", mock.Anything).Return(false, errors.New("dial tcp: refused"))
	assert.ErrorIs(t, AssertReady(ctx, unreachable), ErrNotReady)

	badAuth := &mockMessagingClient{}
	badAuth.On("CanSendMessage", mock.Anything).Return(true, nil)
	badAuth.On("Authorize", mock.Anything).Return(errors.New("invalid_client"))
	err = AssertReady(ctx, badAuth)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorContains(t, err, "could not authorize messaging client - invalid_client")
}

func TestPostAll_NotReadySendsNothing(t *testing.T) {
	client := &mockMessagingClient{}
	client.On("CanSendMessage", mock.Anything).Return(false, nil)

	_, err := NewDispatcher(zerolog.Nop(), Options{}).PostAll(context.Background(), client, Submissions([]*fhir.Bundle{message(t, patient("a"))}, nil))

	assert.ErrorIs(t, err, ErrNotReady)
	client.AssertNotCalled(t, "ProcessMessage", mock.Anything, mock.Anything)
}

func TestPostAll_SequentialWithPerRowErrors(t *testing.T) {
	client := readyClient()
	b0, b1, b2 := message(t, patient("a")), message(t, patient("b")), message(t, patient("c"))
	client.On("ProcessMessage", mock.Anything, b0).Return(nil)
	client.On("ProcessMessage", mock.Anything, b1).Return(&bodyError{status: 400, body: icareRejection(t, map[string]interface{}{
		"severity": "error",
		"details":  map[string]interface{}{"text": "Patient.gender is required"},
	})})
	client.On("ProcessMessage", mock.Anything, b2).Return(nil)
	obs := &recordingObserver{}

	result, err := NewDispatcher(zerolog.Nop(), Options{Observer: obs}).
		PostAll(context.Background(), client, Submissions([]*fhir.Bundle{b0, b1, b2}, []int{0, 2, 5}))
	require.NoError(t, err)

	assert.False(t, result.AllSucceeded)
	assert.Equal(t, []string{b0.ID, b1.ID, b2.ID}, client.order)
	require.Len(t, result.Errors, 3)
	assert.Empty(t, result.Errors[0])
	assert.Empty(t, result.Errors[5])
	require.Len(t, result.Errors[2], 1)

	var rejection *ValidationRejection
	require.ErrorAs(t, result.Errors[2][0], &rejection)
	assert.Equal(t, "Patient.gender is required", rejection.Detail)
	assert.Equal(t, 2, obs.posted)
	assert.Equal(t, []string{"validation"}, obs.rejected)
}

func TestPostAll_UnstructuredRejectionFallsBack(t *testing.T) {
	tests := map[string]error{
		"network":        errors.New("connection reset by peer"),
		"htmlBody":       &bodyError{status: 502, body: []byte("<html>Bad Gateway</html>")},
		"noErrorMessage": &bodyError{status: 400, body: []byte(`{"message":"Forbidden"}`)},
		"noIssues":       &bodyError{status: 400, body: []byte(`{"errorMessage":"{\"resourceType\":\"Bundle\",\"entry\":[]}"}`)},
	}
	for name, rejectErr := range tests {
		t.Run(name, func(t *testing.T) {
			client := readyClient()
			b0, b1 := message(t, patient("a")), message(t, patient("b"))
			client.On("ProcessMessage", mock.Anything, b0).Return(rejectErr)
			client.On("ProcessMessage", mock.Anything, b1).Return(nil)

			result, err := NewDispatcher(zerolog.Nop(), Options{}).
				PostAll(context.Background(), client, Submissions([]*fhir.Bundle{b0, b1}, nil))
			require.NoError(t, err)

			assert.False(t, result.AllSucceeded)
			require.Len(t, result.Errors[0], 1)
			var transport *TransportError
			require.ErrorAs(t, result.Errors[0][0], &transport)
			assert.ErrorIs(t, result.Errors[0][0], rejectErr)
			assert.Empty(t, result.Errors[1])
			client.AssertNumberOfCalls(t, "ProcessMessage", 2)
		})
	}
}

func TestPostAll_WrapsRawBundles(t *testing.T) {
	client := readyClient()
	raw, err := fhir.NewCollectionBundle(patient("a"))
	require.NoError(t, err)
	client.On("ProcessMessage", mock.Anything, mock.MatchedBy(func(b *fhir.Bundle) bool { return b.IsMessage() })).Return(nil)

	result, err := NewDispatcher(zerolog.Nop(), Options{}).PostAll(context.Background(), client, Submissions([]*fhir.Bundle{raw}, nil))
	require.NoError(t, err)
	assert.True(t, result.AllSucceeded)
	client.AssertNumberOfCalls(t, "ProcessMessage", 1)
}

func TestPostAll_SkipEmptyBundles(t *testing.T) {
	empty, full := message(t), message(t, patient("a"))

	t.Run("skip", func(t *testing.T) {
		client := readyClient()
		client.On("ProcessMessage", mock.Anything, full).Return(nil)
		obs := &recordingObserver{}

		result, err := NewDispatcher(zerolog.Nop(), Options{SkipEmptyBundles: true, Observer: obs}).
			PostAll(context.Background(), client, Submissions([]*fhir.Bundle{empty, full}, nil))
		require.NoError(t, err)
		assert.True(t, result.AllSucceeded)
		assert.Empty(t, result.Errors[0])
		assert.Equal(t, 1, obs.skipped)
		client.AssertNotCalled(t, "ProcessMessage", mock.Anything, empty)
	})

	t.Run("send", func(t *testing.T) {
		client := readyClient()
		client.On("ProcessMessage", mock.Anything, mock.Anything).Return(nil)

		_, err := NewDispatcher(zerolog.Nop(), Options{SkipEmptyBundles: false}).
			PostAll(context.Background(), client, Submissions([]*fhir.Bundle{empty, full}, nil))
		require.NoError(t, err)
		client.AssertNumberOfCalls(t, "ProcessMessage", 2)
	})
}

type failingArchiver struct{ calls int }

func (a *failingArchiver) Archive(ctx context.Context, row int, b *fhir.Bundle) error {
	a.calls++
	return errors.New("bucket unavailable")
}

func TestPostAll_ArchiveFailureDoesNotFailRun(t *testing.T) {
	client := readyClient()
	client.On("ProcessMessage", mock.Anything, mock.Anything).Return(nil)
	arch := &failingArchiver{}

	result, err := NewDispatcher(zerolog.Nop(), Options{Archiver: arch}).
		PostAll(context.Background(), client, Submissions([]*fhir.Bundle{message(t, patient("a"))}, nil))
	require.NoError(t, err)
	assert.True(t, result.AllSucceeded)
	assert.Equal(t, 1, arch.calls)
}
