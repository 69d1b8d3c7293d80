package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "IntelMarket-Chain/internal/errors"
	"IntelMarket-Chain/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization failure when api key is missing, got %v", err)
	}
}

func TestCompleteSuccess(t *testing.T) {
	var captured struct {
		Authorization string
		Body          struct {
			Model     string `json:"model"`
			MaxTokens int    `json:"max_tokens"`
			Messages  []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Authorization = r.Header.Get("Authorization")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "  风险等级：低  "}},
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	text, err := client.Complete(context.Background(), "评估今日风险")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "风险等级：低" {
		t.Fatalf("unexpected completion: %q", text)
	}
	if !strings.HasPrefix(captured.Authorization, "Bearer ") {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}
	if captured.Body.Model != defaultModelName || captured.Body.MaxTokens != defaultMaxTokens || len(captured.Body.Messages) != 2 || captured.Body.Messages[1].Content != "评估今日风险" {
		t.Fatalf("unexpected request body: %+v", captured.Body)
	}
}

func TestCompleteEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	client, _ := NewClient(Config{APIKey: "test", BaseURL: srv.URL})
	client.httpClient = srv.Client()

	text, err := client.Complete(context.Background(), "x")
	if err != nil || text != "" {
		t.Fatalf("empty choices should give empty text, got %q %v", text, err)
	}
	if _, err := llm.CompleteNonEmpty(context.Background(), client, "x"); xerrors.CodeOf(err) != llm.CodeEmptyCompletion {
		t.Fatalf("expected empty completion error, got %v", err)
	}
}

func TestCompleteHTTPError(t *testing.T) {
	status := http.StatusBadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", status)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	_, err = client.Complete(context.Background(), "test")
	if xerrors.CodeOf(err) != CodeCompletionRejected || xerrors.RetryableError(err) {
		t.Fatalf("400 should be a non-retryable rejection, got %v", err)
	}
	status = http.StatusServiceUnavailable
	if _, err := client.Complete(context.Background(), "test"); !xerrors.RetryableError(err) {
		t.Fatalf("503 should be retryable, got %v", err)
	}
}
