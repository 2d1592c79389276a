package testutil

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/DispatchPipe/internal/flow"
	"github.com/BTreeMap/DispatchPipe/internal/models"
	"github.com/BTreeMap/DispatchPipe/internal/store"
)

func TestNewTestDispatcher(t *testing.T) {
	d, st := NewTestDispatcher(t)
	if d == nil || st == nil {
		t.Fatal("NewTestDispatcher returned nil")
	}

	ctx := context.Background()
	turn := func(text string) []models.OutboundMessage {
		out, err := d.HandleTurn(ctx, models.Turn{ConversationID: "c1", UserID: "u1", Text: text})
		if err != nil {
			t.Fatalf("turn %q: %v", text, err)
		}
		return out
	}
	turn(flow.RemoveWorkEntryLabel)
	AssertOutboxCount(t, st, 0, "before confirmation")

	if texts := ReplyTexts(turn("hello")); len(texts) == 0 {
		t.Error("expected a reply to the lead-in answer")
	}
}

func TestAssertHTTPStatus(t *testing.T) {
	tests := []struct {
		name       string
		expected   int
		actual     int
		context    string
		shouldFail bool
	}{
		{
			name:       "matching status codes",
			expected:   200,
			actual:     200,
			context:    "test context",
			shouldFail: false,
		},
		{
			name:       "different status codes",
			expected:   200,
			actual:     404,
			context:    "test context",
			shouldFail: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}

			AssertHTTPStatus(mockT, tt.expected, tt.actual, tt.context)

			if tt.shouldFail && !mockT.failed {
				t.Error("Expected test to fail but it passed")
			}
			if !tt.shouldFail && mockT.failed {
				t.Error("Expected test to pass but it failed")
			}
			if !mockT.helper {
				t.Error("Expected Helper to be called")
			}
		})
	}
}

func TestAssertJSONResponse(t *testing.T) {
	tests := []struct {
		name           string
		jsonBody       string
		expectedStatus string
		shouldFail     bool
	}{
		{
			name:           "valid JSON with matching status",
			jsonBody:       `{"status":"ok","result":"test"}`,
			expectedStatus: "ok",
			shouldFail:     false,
		},
		{
			name:           "valid JSON with different status",
			jsonBody:       `{"status":"error","message":"test"}`,
			expectedStatus: "ok",
			shouldFail:     true,
		},
		{
			name:           "invalid JSON",
			jsonBody:       `{"status":}`,
			expectedStatus: "ok",
			shouldFail:     true,
		},
		{
			name:           "missing status field",
			jsonBody:       `{"result":"test"}`,
			expectedStatus: "ok",
			shouldFail:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}
			rr := httptest.NewRecorder()
			rr.Body.WriteString(tt.jsonBody)

			response := AssertJSONResponse(mockT, rr, tt.expectedStatus)

			if tt.shouldFail && !mockT.failed {
				t.Error("Expected test to fail but it passed")
			}
			if !tt.shouldFail && mockT.failed {
				t.Errorf("Expected test to pass but it failed: %s", mockT.errorMsg)
			}
			if !tt.shouldFail && response == nil {
				t.Error("Expected response map to be returned")
			}
		})
	}
}

func TestCreateHTTPRequest(t *testing.T) {
	tests := []struct {
		name   string
		method string
		url    string
		body   interface{}
		wantCT string
	}{
		{
			name:   "GET request with no body",
			method: "GET",
			url:    "/health",
			body:   nil,
		},
		{
			name:   "POST request with JSON body",
			method: "POST",
			url:    "/conversations",
			body:   map[string]string{"user_id": "u1"},
			wantCT: "application/json",
		},
		{
			name:   "POST request with turn body",
			method: "POST",
			url:    "/conversations/c1/turns",
			body:   models.Turn{UserID: "u1", Text: "hello"},
			wantCT: "application/json",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := CreateHTTPRequest(t, tt.method, tt.url, tt.body)

			if req == nil {
				t.Fatal("Expected request to be created, got nil")
			}
			if req.Method != tt.method {
				t.Errorf("Expected method %s, got %s", tt.method, req.Method)
			}
			if req.URL.Path != tt.url {
				t.Errorf("Expected URL %s, got %s", tt.url, req.URL.Path)
			}
			if got := req.Header.Get("Content-Type"); got != tt.wantCT {
				t.Errorf("Expected Content-Type %q, got %q", tt.wantCT, got)
			}
		})
	}
}

func TestAssertOutboxCount(t *testing.T) {
	st := store.NewInMemoryStore()

	mockT := &mockTestingT{}
	AssertOutboxCount(mockT, st, 0, "empty store")
	if mockT.failed {
		t.Errorf("Expected test to pass for empty store, but got: %s", mockT.errorMsg)
	}

	if _, err := st.EnqueueOutboxMessage("c1", "delivery", `{}`, "k1"); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	if _, err := st.EnqueueOutboxMessage("c1", "other", `{}`, "k2"); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	mockT = &mockTestingT{}
	AssertOutboxCount(mockT, st, 1, "one record")
	if mockT.failed {
		t.Errorf("Expected test to pass for one record, but got: %s", mockT.errorMsg)
	}

	mockT = &mockTestingT{}
	AssertOutboxCount(mockT, st, 2, "wrong count")
	if !mockT.failed {
		t.Error("Expected test to fail for wrong count")
	}
}

func TestReplyTexts(t *testing.T) {
	got := ReplyTexts([]models.OutboundMessage{models.TextMessage("a"), models.ChoiceMessage("b", "x")})
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("unexpected texts %q", got)
	}
}

func TestMustMarshalJSON(t *testing.T) {
	result := MustMarshalJSON(t, map[string]interface{}{"key1": "value1", "key2": 123})
	if len(result) == 0 {
		t.Error("Expected non-empty JSON data")
	}

	mockT := &mockTestingT{}
	MustMarshalJSON(mockT, make(chan int))
	if !mockT.failed {
		t.Error("Expected marshal of a channel to fail")
	}
}

func TestMustUnmarshalJSON(t *testing.T) {
	var target map[string]interface{}
	MustUnmarshalJSON(t, []byte(`{"key":"value","number":123}`), &target)

	if target["key"] != "value" {
		t.Errorf("Expected key to be 'value', got %v", target["key"])
	}
	if target["number"].(float64) != 123 {
		t.Errorf("Expected number to be 123, got %v", target["number"])
	}
}

// mockTestingT records failures instead of stopping the test.
type mockTestingT struct {
	failed   bool
	errorMsg string
	helper   bool
}

func (m *mockTestingT) Helper() {
	m.helper = true
}

func (m *mockTestingT) Errorf(format string, args ...interface{}) {
	m.failed = true
	m.errorMsg = fmt.Sprintf(format, args...)
}

func (m *mockTestingT) Fatalf(format string, args ...interface{}) {
	m.failed = true
	m.errorMsg = fmt.Sprintf(format, args...)
}
