package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSubmit_PostsInputAndReturnsRequestID(t *testing.T) {
	var gotPath, gotWebhook, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotWebhook = r.URL.Query().Get("fal_webhook")
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"request_id": "req-77", "status": "IN_QUEUE"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret-key", nil)
	id, err := c.Submit(context.Background(), "fal-ai/flux/dev", json.RawMessage(`{"prompt":"a fox"}`), "https://api.example.com/hook")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id != "req-77" {
		t.Fatalf("expected request id req-77, got %q", id)
	}
	if gotPath != "/fal-ai/flux/dev" {
		t.Fatalf("wrong path: %q", gotPath)
	}
	if gotWebhook != "https://api.example.com/hook" {
		t.Fatalf("webhook not registered: %q", gotWebhook)
	}
	if gotAuth != "Key secret-key" {
		t.Fatalf("wrong auth header: %q", gotAuth)
	}
	if gotBody["prompt"] != "a fox" {
		t.Fatalf("input not forwarded: %v", gotBody)
	}
}

func TestSubmit_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"invalid api key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "bad-key", nil)
	_, err := c.Submit(context.Background(), "fal-ai/flux/dev", json.RawMessage(`{}`), "https://api.example.com/hook")
	var se *SubmissionError
	if !errors.As(err, &se) {
		t.Fatalf("expected SubmissionError, got %T: %v", err, err)
	}
	if se.ModelID != "fal-ai/flux/dev" {
		t.Fatalf("wrong model in error: %q", se.ModelID)
	}
}

func TestSubmit_MissingRequestID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "IN_QUEUE"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", nil)
	_, err := c.Submit(context.Background(), "fal-ai/flux/dev", json.RawMessage(`{}`), "")
	var se *SubmissionError
	if !errors.As(err, &se) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
}

func TestSubmit_Unreachable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "k", nil)
	_, err := c.Submit(context.Background(), "fal-ai/flux/dev", json.RawMessage(`{}`), "")
	var se *SubmissionError
	if !errors.As(err, &se) {
		t.Fatalf("expected SubmissionError for unreachable provider, got %v", err)
	}
}

func TestQueryStatus_InProgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fal-ai/flux/dev/requests/req-1/status" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "IN_PROGRESS"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", nil)
	res, err := c.QueryStatus(context.Background(), "fal-ai/flux/dev", "req-1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.State != StateInProgress {
		t.Fatalf("expected in_progress, got %q", res.State)
	}
}

func TestQueryStatus_CompletedFetchesResult(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/fal-ai/flux/dev/requests/req-1/status", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "COMPLETED"})
	})
	mux.HandleFunc("/fal-ai/flux/dev/requests/req-1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"image":{"url":"https://cdn.example.com/fox.png","content_type":"image/png"},"seed":99}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL, "k", nil)
	res, err := c.QueryStatus(context.Background(), "fal-ai/flux/dev", "req-1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.State != StateCompleted {
		t.Fatalf("expected completed, got %q", res.State)
	}
	if res.Artifact.URL != "https://cdn.example.com/fox.png" {
		t.Fatalf("wrong artifact url: %q", res.Artifact.URL)
	}
	if res.Artifact.Seed != "99" {
		t.Fatalf("wrong seed: %q", res.Artifact.Seed)
	}
}

func TestQueryStatus_Failed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "FAILED", "error": "worker crashed"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", nil)
	res, err := c.QueryStatus(context.Background(), "fal-ai/flux/dev", "req-1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.State != StateFailed {
		t.Fatalf("expected failed, got %q", res.State)
	}
	if res.Error != "worker crashed" {
		t.Fatalf("wrong error: %q", res.Error)
	}
}

func TestQueryStatus_UnknownStatusIsQueryError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "SOMETHING_NEW"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", nil)
	_, err := c.QueryStatus(context.Background(), "fal-ai/flux/dev", "req-9")
	var qe *QueryError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QueryError, got %T: %v", err, err)
	}
	if qe.CorrelationID != "req-9" {
		t.Fatalf("wrong correlation id in error: %q", qe.CorrelationID)
	}
}

func TestParseResult(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantURL string
		wantErr bool
	}{
		{
			name:    "video result",
			payload: `{"video":{"url":"https://cdn.example.com/a.mp4","content_type":"video/mp4"},"seed":12}`,
			wantURL: "https://cdn.example.com/a.mp4",
		},
		{
			name:    "image result",
			payload: `{"image":{"url":"https://cdn.example.com/a.png"}}`,
			wantURL: "https://cdn.example.com/a.png",
		},
		{
			name:    "video wins over image",
			payload: `{"video":{"url":"https://cdn.example.com/a.mp4"},"image":{"url":"https://cdn.example.com/a.png"}}`,
			wantURL: "https://cdn.example.com/a.mp4",
		},
		{
			name:    "no media",
			payload: `{"detail":"done"}`,
			wantErr: true,
		},
		{
			name:    "empty url",
			payload: `{"video":{"url":""}}`,
			wantErr: true,
		},
		{
			name:    "not json",
			payload: `<html>`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResult(json.RawMessage(tt.payload))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got.URL != tt.wantURL {
				t.Fatalf("expected url %q, got %q", tt.wantURL, got.URL)
			}
		})
	}
}
