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

// Package parse recovers JSON and XML structures from free-form LLM output.
// Model replies routinely wrap payloads in reasoning blocks, markdown code
// fences, or surrounding commentary; every entry point here tolerates all of
// those and reports failure through the returned value instead of panicking.
package parse

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Parsed is the result of a tolerant JSON parse. Err is set when no JSON
// value could be recovered; Value is nil in that case. Thought holds the
// reasoning text preceding a </think> marker, if any. Raw is the cleaned
// string that was handed to the JSON decoder.
type Parsed struct {
	Value   any
	Thought string
	Raw     string
	Err     error
}

// Decode unmarshals the recovered JSON into v. Returns Err when the parse
// itself failed.
func (p Parsed) Decode(v any) error {
	if p.Err != nil {
		return p.Err
	}
	return json.Unmarshal([]byte(p.Raw), v)
}

// OK reports whether a JSON value was recovered.
func (p Parsed) OK() bool {
	return p.Err == nil
}

var (
	widestObjectRe = regexp.MustCompile(`(?s)\{.*\}`)
	widestArrayRe  = regexp.MustCompile(`(?s)\[.*\]`)
	codeBlockRe    = regexp.MustCompile("(?s)```(?:json)?\\s*\n?(.*?)\n?```")
	// one level of brace nesting, used to pick JSON objects out of prose
	shallowObjectRe = regexp.MustCompile(`(?s)\{[^{}]*(?:\{[^{}]*\}[^{}]*)*\}`)
	htmlCommentRe   = regexp.MustCompile(`(?s)<!--.*?-->`)
)

// StripThink splits text at the last </think> marker. It returns the
// reasoning text and the remainder; when no marker exists the reasoning is
// empty and the remainder is the input unchanged.
func StripThink(text string) (thought, rest string) {
	if idx := strings.LastIndex(text, "</think>"); idx >= 0 {
		return strings.TrimSpace(text[:idx]), strings.TrimSpace(text[idx+len("</think>"):])
	}
	return "", strings.TrimSpace(text)
}

// StripFences removes one leading ``` or ```json fence and one trailing
// ``` fence.
func StripFences(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```json") {
		s = strings.TrimSpace(s[len("```json"):])
	} else if strings.HasPrefix(s, "```") {
		s = strings.TrimSpace(s[len("```"):])
	}
	if strings.HasSuffix(s, "```") {
		s = strings.TrimSpace(s[:len(s)-len("```")])
	}
	return s
}

// JSON recovers a JSON value from free-form model output. The procedure:
// strip the reasoning block, strip code fences, attempt a strict parse, then
// fall back to the widest {...} or [...] span. Never panics; failure is
// reported in Parsed.Err.
func JSON(text string) Parsed {
	thought, rest := StripThink(text)
	cleaned := StripFences(rest)

	var value any
	if err := json.Unmarshal([]byte(cleaned), &value); err == nil {
		return Parsed{Value: value, Thought: thought, Raw: cleaned}
	}

	candidate := widestObjectRe.FindString(cleaned)
	if arr := widestArrayRe.FindString(cleaned); len(arr) > len(candidate) {
		candidate = arr
	}
	if candidate != "" {
		if err := json.Unmarshal([]byte(candidate), &value); err == nil {
			return Parsed{Value: value, Thought: thought, Raw: candidate}
		}
	}

	err := json.Unmarshal([]byte(cleaned), &value)
	return Parsed{Thought: thought, Raw: cleaned, Err: err}
}

// JSONInto recovers a JSON value and decodes it into v.
func JSONInto(text string, v any) Parsed {
	p := JSON(text)
	if p.Err != nil {
		return p
	}
	if err := json.Unmarshal([]byte(p.Raw), v); err != nil {
		p.Err = err
	}
	return p
}

// JSONList recovers a JSON array of objects. A bare object becomes a
// single-element list. Falls back to the widest [...] span on decode failure.
func JSONList(text string) ([]map[string]any, Parsed) {
	p := JSON(text)
	if p.Err != nil {
		return nil, p
	}
	switch v := p.Value.(type) {
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out, p
	case map[string]any:
		return []map[string]any{v}, p
	default:
		return nil, p
	}
}

// JSONObjects extracts every shallow JSON object embedded in text, after
// stripping reasoning and preferring the first fenced code block. Used by
// judges whose models often surround the verdict object with prose. Objects
// that fail to decode are skipped.
func JSONObjects(text string) []map[string]any {
	_, rest := StripThink(text)

	if blocks := codeBlockRe.FindStringSubmatch(rest); len(blocks) > 1 {
		rest = strings.TrimSpace(blocks[1])
	}

	var out []map[string]any
	for _, match := range shallowObjectRe.FindAllString(rest, -1) {
		var m map[string]any
		if err := json.Unmarshal([]byte(strings.TrimSpace(match)), &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// Number reads a numeric field from a decoded JSON object, tolerating
// string-encoded numbers. The second return reports presence and
// convertibility.
func Number(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		var f float64
		if err := json.Unmarshal([]byte(strings.TrimSpace(n)), &f); err == nil {
			return f, true
		}
		return 0, false
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// Bool reads a boolean field, tolerating 0/1 and "true"/"false" encodings.
func Bool(m map[string]any, key string) (bool, bool) {
	v, ok := m[key]
	if !ok {
		return false, false
	}
	switch b := v.(type) {
	case bool:
		return b, true
	case float64:
		return b != 0, true
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "yes", "1":
			return true, true
		case "false", "no", "0":
			return false, true
		}
		return false, false
	default:
		return false, false
	}
}
