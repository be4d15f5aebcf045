package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(baseURL string) ModelConfig {
	cfg := ModelConfig{
		Name:    "test-model",
		Model:   "test-model",
		BaseURL: baseURL,
		APIKey:  "sk-test",
	}
	cfg.setDefaults()
	cfg.MaxRetries = 3
	cfg.RetrySleep = time.Millisecond
	return cfg
}

func newTestClient(cfg ModelConfig) *Client {
	c := New(cfg)
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return c
}

func TestChatNonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "test-model", body["model"])
		assert.Equal(t, 0.95, body["top_p"])

		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"hello","reasoning_content":"thought"},"finish_reason":"stop"}],"usage":{"total_tokens":12}}`)
	}))
	defer srv.Close()

	c := newTestClient(testConfig(srv.URL + "/v1"))
	reply, err := c.Chat(context.Background(), []Message{User("hi")}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", reply.Content)
	assert.Equal(t, "thought", reply.Reasoning)
	assert.Equal(t, 12, reply.Tokens)
}

func TestChatExtraBodyMergedTopLevel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, false, body["enable_thinking"])
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.ExtraBody = map[string]any{"enable_thinking": false}
	c := newTestClient(cfg)

	_, err := c.Chat(context.Background(), []Message{User("hi")}, nil)
	require.NoError(t, err)
}

func TestChatStreamingReassembly(t *testing.T) {
	chunks := []string{
		`{"choices":[{"delta":{"reasoning_content":"think "}}]}`,
		`{"choices":[{"delta":{"reasoning_content":"hard"}}]}`,
		`{"choices":[{"delta":{"content":"part one, "}}]}`,
		`{"choices":[{"delta":{"content":"part two"}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"lookup","arguments":"{\"q\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"x\"}"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_b","type":"function","function":{"name":"fetch","arguments":"{}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}],"usage":{"total_tokens":40}}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Stream = true
	c := newTestClient(cfg)

	reply, err := c.Chat(context.Background(), []Message{User("go")}, nil)
	require.NoError(t, err)
	assert.Equal(t, "part one, part two", reply.Content)
	assert.Equal(t, "think hard", reply.Reasoning)
	assert.Equal(t, 40, reply.Tokens)

	require.Len(t, reply.ToolCalls, 2)
	assert.Equal(t, "call_a", reply.ToolCalls[0].ID)
	assert.Equal(t, "lookup", reply.ToolCalls[0].Function.Name)
	assert.Equal(t, `{"q":"x"}`, reply.ToolCalls[0].Function.Arguments)
	assert.Equal(t, "call_b", reply.ToolCalls[1].ID)
}

func TestChatRetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error":{"message":"upstream hiccup"}}`)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"recovered"}}]}`)
	}))
	defer srv.Close()

	c := newTestClient(testConfig(srv.URL))
	reply, err := c.Chat(context.Background(), []Message{User("hi")}, nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", reply.Content)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestChatExhaustsRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(testConfig(srv.URL))
	reply, err := c.Chat(context.Background(), []Message{User("hi")}, nil)
	require.Error(t, err)
	assert.Nil(t, reply)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestChatContextOverflowNoRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"This model's maximum context length is 32768 tokens."}}`)
	}))
	defer srv.Close()

	c := newTestClient(testConfig(srv.URL))
	reply, err := c.Chat(context.Background(), []Message{User("hi")}, nil)
	require.Error(t, err)
	assert.Nil(t, reply)
	assert.True(t, IsContextOverflow(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestIsContextOverflow(t *testing.T) {
	assert.True(t, IsContextOverflow(fmt.Errorf("This model's maximum context length is 8192")))
	assert.True(t, IsContextOverflow(fmt.Errorf("input is longer than the model limit")))
	assert.True(t, IsContextOverflow(fmt.Errorf("wrapped: %w", ErrContextOverflow)))
	assert.False(t, IsContextOverflow(fmt.Errorf("rate limited")))
	assert.False(t, IsContextOverflow(nil))
}

func TestPreflightTokenGuard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request must not reach the network")
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.ContextWindow = 1
	c := newTestClient(cfg)

	if EstimateTokens([]Message{User("this prompt is clearly more than one token")}) == 0 {
		t.Skip("cl100k_base encoding unavailable")
	}

	_, err := c.Chat(context.Background(), []Message{User("this prompt is clearly more than one token")}, nil)
	require.Error(t, err)
	assert.True(t, IsContextOverflow(err))
}
