package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/answerdesk/answerdesk/internal/generation"
)

func TestEmbedOrdersVectorsByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("missing auth header, got %q", got)
		}
		var body struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body.Model != "text-embedding-3-small" {
			t.Errorf("unexpected model %q", body.Model)
		}
		// Return vectors out of order; the client must sort by index.
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"embedding": []float32{2, 0}, "index": 1},
				{"embedding": []float32{1, 0}, "index": 0},
			},
		})
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL))
	vecs, err := c.Embed(context.Background(), "text-embedding-3-small", []string{"a", "b"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(vecs))
	}
	if vecs[0][0] != 1 || vecs[1][0] != 2 {
		t.Fatalf("vectors not reordered by index: %v", vecs)
	}
}

func TestEmbedCountMismatchIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{{"embedding": []float32{1}, "index": 0}},
		})
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL))
	if _, err := c.Embed(context.Background(), "m", []string{"a", "b"}); err == nil {
		t.Fatalf("expected count mismatch error")
	}
}

func TestEmbedNon200SurfacesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL))
	_, err := c.Embed(context.Background(), "m", []string{"a"})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected status error, got %v", err)
	}
	if !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("expected body in error, got %v", err)
	}
}

func TestCompleteBuildsPromptAndMapsUsage(t *testing.T) {
	var captured chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": "Refunds take thirty days [1]."}},
			},
			"usage": map[string]int{"total_tokens": 57},
		})
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL), WithCompletionModel("gpt-4o-mini"), WithSampling(0.1, 256))
	got, err := c.Complete(context.Background(), "[1] Refunds take thirty days.", "refund policy?", generation.Style{Tone: "friendly"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.Text != "Refunds take thirty days [1]." {
		t.Fatalf("unexpected text %q", got.Text)
	}
	if got.TokensUsed != 57 {
		t.Fatalf("expected 57 tokens, got %d", got.TokensUsed)
	}
	if len(captured.Messages) != 2 || captured.Messages[0].Role != "system" {
		t.Fatalf("expected system+user messages, got %+v", captured.Messages)
	}
	if !strings.Contains(captured.Messages[0].Content, "friendly") {
		t.Fatalf("tone not applied: %q", captured.Messages[0].Content)
	}
	if !strings.Contains(captured.Messages[1].Content, "[1] Refunds take thirty days.") {
		t.Fatalf("context not embedded in user message: %q", captured.Messages[1].Content)
	}
	if captured.MaxTokens != 256 {
		t.Fatalf("expected max_tokens 256, got %d", captured.MaxTokens)
	}
}

func TestParaphraseSplitsAndTrimsLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": "1. how do refunds work\n- refund process details\n\nwhat is the return policy\nextra variant beyond n"}},
			},
		})
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL))
	got, err := c.Paraphrase(context.Background(), "refund policy", 3)
	if err != nil {
		t.Fatalf("paraphrase: %v", err)
	}
	want := []string{"how do refunds work", "refund process details", "what is the return policy"}
	if len(got) != len(want) {
		t.Fatalf("expected %d variants, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("variant %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestCompleteNoChoicesIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"choices": []interface{}{}})
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL))
	if _, err := c.Complete(context.Background(), "", "q", generation.Style{}); err == nil {
		t.Fatalf("expected error for empty choices")
	}
}
