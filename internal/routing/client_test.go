package routing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/modelrelay/modelrelay/internal/guard"
	"github.com/modelrelay/modelrelay/internal/log"
)

func TestHTTPClientCreateSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sessions" {
			t.Errorf("path = %s, want /v1/sessions", r.URL.Path)
		}
		var req CreateSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if req.Model != "llama-3-70b" {
			t.Errorf("model = %q, want llama-3-70b", req.Model)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"session_id": "sess-42"})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, 5*time.Second, log.NewNop())
	id, err := client.CreateSession(context.Background(), CreateSessionRequest{
		APIKeyID: uuid.New(),
		Model:    "llama-3-70b",
	})
	if err != nil {
		t.Fatalf("CreateSession() = %v", err)
	}
	if id != "sess-42" {
		t.Errorf("session ID = %q, want sess-42", id)
	}
}

func TestHTTPClientCreateSessionDownstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no capacity", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, 5*time.Second, log.NewNop())
	_, err := client.CreateSession(context.Background(), CreateSessionRequest{Model: "m"})
	if !errors.Is(err, ErrDownstream) {
		t.Fatalf("CreateSession() = %v, want ErrDownstream", err)
	}
}

func TestHTTPClientInvokeEchoesToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req InvokeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(InvokeResponse{
			CorrelationToken: req.CorrelationToken,
			Payload:          json.RawMessage(`{"answer":"ok"}`),
		})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, 5*time.Second, log.NewNop())
	resp, err := client.Invoke(context.Background(), InvokeRequest{
		SessionID:        "sess-1",
		CorrelationToken: guard.NewToken(),
		Model:            "llama-3-70b",
		Payload:          json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("Invoke() = %v", err)
	}
	if string(resp.Payload) != `{"answer":"ok"}` {
		t.Errorf("payload = %s", resp.Payload)
	}
}

func TestHTTPClientInvokeDiscardsMismatchedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Simulate cross-talk: echo a token belonging to some other request.
		_ = json.NewEncoder(w).Encode(InvokeResponse{
			CorrelationToken: "someone-elses-token",
			Payload:          json.RawMessage(`{"answer":"not yours"}`),
		})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, 5*time.Second, log.NewNop())
	resp, err := client.Invoke(context.Background(), InvokeRequest{
		SessionID:        "sess-1",
		CorrelationToken: guard.NewToken(),
		Payload:          json.RawMessage(`{}`),
	})
	if !errors.Is(err, guard.ErrCorrelationMismatch) {
		t.Fatalf("Invoke() = %v, want ErrCorrelationMismatch", err)
	}
	if resp != nil {
		t.Error("mismatched response must be discarded, not returned")
	}
}

func TestKeyPrefix(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"mr_abcdefgh12345678secret", "mr_abcdefgh1"},
		{"short", "short"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := KeyPrefix(tt.raw); got != tt.want {
			t.Errorf("KeyPrefix(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
