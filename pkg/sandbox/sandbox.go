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

// Package sandbox is the client for the code-execution service. It does not
// retry: the synthesizer's own validation loop owns repetition, and a flaky
// execution result must surface as-is.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/blilab/agentsynth/pkg/httpclient"
)

// StatusSuccess and StatusFailed are the two statuses the service reports.
const (
	StatusSuccess = "Success"
	StatusFailed  = "Failed"
)

// RunResult carries the captured process output.
type RunResult struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr,omitempty"`
}

// Response is the service's reply to one execution.
type Response struct {
	Status    string    `json:"status"`
	RunResult RunResult `json:"run_result"`
}

// Succeeded reports whether the execution completed without error.
func (r *Response) Succeeded() bool { return r.Status == StatusSuccess }

type request struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

// Client posts code to a sandbox endpoint.
type Client struct {
	url  string
	http *httpclient.Client
}

// New builds a client for the given endpoint URL. When url is empty the
// SANDBOX_URL environment variable is used.
func New(url string) *Client {
	if url == "" {
		url = os.Getenv("SANDBOX_URL")
	}
	return &Client{
		url: strings.TrimRight(url, "/"),
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 2 * time.Minute}),
			httpclient.WithMaxRetries(0),
		),
	}
}

// RunCode executes code as Python and returns the service's verdict. A
// non-2xx status or an undecodable body is an error; a "Failed" status is
// not; callers inspect Response.Status.
func (c *Client) RunCode(ctx context.Context, code string) (*Response, error) {
	if c.url == "" {
		return nil, fmt.Errorf("sandbox URL is not configured")
	}

	body, err := json.Marshal(request{Code: code, Language: "python"})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sandbox request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if resp != nil && resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("sandbox returned status %d: %s", resp.StatusCode, string(raw))
	}
	if err != nil {
		return nil, fmt.Errorf("sandbox request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read sandbox response: %w", err)
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode sandbox response: %w", err)
	}
	return &out, nil
}
