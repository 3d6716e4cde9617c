package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCompleteMockGenerator(t *testing.T) {
	out, err := Complete(context.Background(), NewMockGenerator(), Request{Prompt: " hola "})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != "[mock completion for hola]" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestMockGeneratorReplaysReplies(t *testing.T) {
	gen := NewMockGenerator("Correct! Well said.", "Incorrect.")
	var chunks []Chunk
	err := gen.Generate(context.Background(), Request{Prompt: "judge"}, func(c Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(chunks) != 3 || !chunks[2].Done || chunks[0].Done {
		t.Fatalf("expected three word chunks ending in done, got %+v", chunks)
	}
	out, _ := Complete(context.Background(), gen, Request{Prompt: "again"})
	if out != "Incorrect." {
		t.Fatalf("unexpected second reply %q", out)
	}
	if calls := gen.Calls(); len(calls) != 2 || calls[1].Prompt != "again" {
		t.Fatalf("unexpected calls %+v", calls)
	}
}

func TestOllamaGeneratorConcatenatesStream(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprintln(w, `{"response":"Buenos ","done":false}`)
		fmt.Fprintln(w, `{"response":"días","done":false}`)
		fmt.Fprintln(w, `{"response":"","done":true,"eval_count":3}`)
	}))
	defer srv.Close()

	out, err := Complete(context.Background(), NewOllamaGenerator(srv.URL+"/", "", "llama3.2"), Request{Prompt: "greet", Tier: "fast", JSON: true})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != "Buenos días" {
		t.Fatalf("unexpected output %q", out)
	}
	if got.Model != "llama3.2" || got.Format != "json" || !got.Stream {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestOllamaGeneratorReportsStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"error":"model not found"}`)
	}))
	defer srv.Close()

	_, err := Complete(context.Background(), NewOllamaGenerator(srv.URL, "", ""), Request{Prompt: "greet"})
	if err == nil || !strings.Contains(err.Error(), "model not found") {
		t.Fatalf("expected model error, got %v", err)
	}
}

func TestExecGenerator(t *testing.T) {
	gen, err := NewExecGenerator(`sh -c 'cat >/dev/null; echo "{\"content\":\"hola\",\"completion_tokens\":1}"'`)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	out, err := Complete(context.Background(), gen, Request{Prompt: "say hi"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != "hola" {
		t.Fatalf("unexpected output %q", out)
	}
	if _, err := NewExecGenerator("   "); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestOpenAIGenerator(t *testing.T) {
	var body struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Correct! Well said."}}],
			"usage":{"prompt_tokens":5,"completion_tokens":4,"total_tokens":9}}`)
	}))
	defer srv.Close()

	gen, err := NewOpenAIGenerator(OpenAIConfig{APIKey: "test", BaseURL: srv.URL, ModelBalanced: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	out, err := Complete(context.Background(), gen, Request{System: "judge", Prompt: "hola vs hola"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != "Correct! Well said." {
		t.Fatalf("unexpected output %q", out)
	}
	if body.Model != "gpt-4o-mini" || len(body.Messages) != 2 || body.Messages[0].Role != "system" {
		t.Fatalf("unexpected request %+v", body)
	}
}

func TestNewOpenAIGeneratorRequiresKey(t *testing.T) {
	if _, err := NewOpenAIGenerator(OpenAIConfig{}); err == nil {
		t.Fatal("expected error without api key")
	}
}
