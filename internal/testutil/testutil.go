// Package testutil provides common test utilities and helpers for DispatchPipe tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	"github.com/BTreeMap/DispatchPipe/internal/delivery"
	"github.com/BTreeMap/DispatchPipe/internal/dispatch"
	"github.com/BTreeMap/DispatchPipe/internal/flow"
	"github.com/BTreeMap/DispatchPipe/internal/knowledge"
	"github.com/BTreeMap/DispatchPipe/internal/models"
	"github.com/BTreeMap/DispatchPipe/internal/recognizer"
	"github.com/BTreeMap/DispatchPipe/internal/store"
)

// TestingT is the subset of *testing.T the helpers use.
type TestingT interface {
	Helper()
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// NewTestDispatcher creates a dispatcher over an in-memory store with the built-in rules and
// knowledge base. Submitted records land in the returned store's outbox.
func NewTestDispatcher(t TestingT, opts ...dispatch.Option) (*dispatch.Dispatcher, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	rec, err := recognizer.LoadPatternRecognizer("")
	if err != nil {
		t.Fatalf("failed to load recognizer: %v", err)
		return nil, nil
	}
	kb, err := knowledge.LoadFileBase("")
	if err != nil {
		t.Fatalf("failed to load knowledge base: %v", err)
		return nil, nil
	}
	deliverer, err := delivery.NewOutboxDeliverer(st)
	if err != nil {
		t.Fatalf("failed to create deliverer: %v", err)
		return nil, nil
	}
	engine, err := flow.NewEngine(flow.DefaultRegistry(), deliverer)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
		return nil, nil
	}
	router, err := dispatch.NewRouter(engine, kb)
	if err != nil {
		t.Fatalf("failed to create router: %v", err)
		return nil, nil
	}
	d, err := dispatch.NewDispatcher(st, engine, router, rec, append([]dispatch.Option{dispatch.WithDedup(st)}, opts...)...)
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
		return nil, nil
	}
	return d, st
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TestingT, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t TestingT, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Errorf("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TestingT, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
			return nil
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
		return nil
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// AssertOutboxCount validates the number of queued delivery records.
func AssertOutboxCount(t TestingT, st *store.InMemoryStore, expected int, context string) {
	t.Helper()
	n := 0
	for _, m := range st.OutboxMessages() {
		if m.Kind == delivery.OutboxKind {
			n++
		}
	}
	if n != expected {
		t.Errorf("%s: expected %d outbox records, got %d", context, expected, n)
	}
}

// ReplyTexts returns the text of each reply.
func ReplyTexts(msgs []models.OutboundMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TestingT, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TestingT, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
