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

package llm

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateTokens approximates the prompt token count of messages using the
// cl100k_base encoding, plus a small per-message framing overhead. Returns 0
// when the encoding cannot be loaded (offline environments): the guard then
// simply does not fire and the provider's own limit is authoritative.
func EstimateTokens(messages []Message) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return
		}
		encoding = enc
	})
	if encoding == nil {
		return 0
	}

	total := 0
	for _, msg := range messages {
		total += 4 // role + framing
		total += len(encoding.Encode(msg.Content, nil, nil))
		total += len(encoding.Encode(msg.Reasoning, nil, nil))
		for _, tc := range msg.ToolCalls {
			total += len(encoding.Encode(tc.Function.Name, nil, nil))
			total += len(encoding.Encode(tc.Function.Arguments, nil, nil))
		}
	}
	return total
}

// preflightTokenCheck rejects prompts that cannot fit the configured context
// window before any bytes hit the network, so the caller sees the same
// ErrContextOverflow it would get from the provider.
func (c *Client) preflightTokenCheck(messages []Message) error {
	if c.cfg.ContextWindow <= 0 {
		return nil
	}
	estimate := EstimateTokens(messages)
	if estimate > c.cfg.ContextWindow {
		return fmt.Errorf("%w: estimated %d prompt tokens, window %d",
			ErrContextOverflow, estimate, c.cfg.ContextWindow)
	}
	return nil
}
