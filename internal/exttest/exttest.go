// Copyright 2025-2026 Beike Language and Intelligence (BLI).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package exttest fakes the pipeline's external HTTP services for tests:
// an OpenAI-compatible chat endpoint and the code-execution sandbox.
package exttest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
)

// NewLLMServer serves the OpenAI chat-completions shape. reply receives the
// requested model and the last message's content and returns the assistant
// text verbatim.
func NewLLMServer(t *testing.T, reply func(model, prompt string) string) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Post("/v1/chat/completions", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		prompt := ""
		if len(body.Messages) > 0 {
			prompt = body.Messages[len(body.Messages)-1].Content
		}

		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{
			"choices": []any{map[string]any{
				"message": map[string]any{
					"role":    "assistant",
					"content": reply(body.Model, prompt),
				},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"total_tokens": 1},
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("failed to encode fake chat response: %v", err)
		}
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

// NewSandboxServer serves the sandbox run-code shape. run receives the code
// and returns the reported status plus captured stdout and stderr.
func NewSandboxServer(t *testing.T, run func(code string) (status, stdout, stderr string)) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Post("/*", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Code     string `json:"code"`
			Language string `json:"language"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		status, stdout, stderr := run(body.Code)

		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{
			"status": status,
			"run_result": map[string]any{
				"stdout": stdout,
				"stderr": stderr,
			},
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("failed to encode fake sandbox response: %v", err)
		}
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

// WriteModelsConfig writes a one-model registry YAML pointing at baseURL and
// returns its path.
func WriteModelsConfig(t *testing.T, name, baseURL string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "models.yaml")
	content := fmt.Sprintf("models:\n  %s:\n    base_url: %s/v1\n    api_key: sk-test\n    max_retries: 1\n    retry_sleep: 1ms\n", name, baseURL)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write models config: %v", err)
	}
	return path
}
