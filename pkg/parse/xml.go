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

package parse

import (
	"fmt"
	"regexp"
	"strings"
)

// XMLField extracts the content of <tag>...</tag> from loosely structured
// model output. CDATA sections are preferred over plain bodies; embedded
// HTML comments are stripped either way. Returns "" when the tag is absent.
func XMLField(text, tag string) string {
	cdata := regexp.MustCompile(fmt.Sprintf(`(?si)<%s\b[^>]*>\s*<!\[CDATA\[(.*?)\]\]>\s*</%s>`, tag, tag))
	if m := cdata.FindStringSubmatch(text); len(m) > 1 {
		return stripComments(m[1])
	}
	plain := regexp.MustCompile(fmt.Sprintf(`(?si)<%s\b[^>]*>(.*?)</%s>`, tag, tag))
	if m := plain.FindStringSubmatch(text); len(m) > 1 {
		return stripComments(m[1])
	}
	return ""
}

func stripComments(s string) string {
	s = htmlCommentRe.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "<!--", "")
	s = strings.ReplaceAll(s, "-->", "")
	return strings.TrimSpace(s)
}

// Variation is one augmented question variant parsed from a <variation_N>
// block.
type Variation struct {
	Index       int    `json:"index"`
	Question    string `json:"question"`
	Context     string `json:"context"`
	Constraints string `json:"constraints"`
	Mode        string `json:"mode"`
}

var (
	variationBlockRe = regexp.MustCompile(`(?si)<variation_\d+\b[^>]*>(.*?)</variation_\d+>`)
	bareQuestionRe   = regexp.MustCompile(`(?si)<question\b[^>]*>(.*?)</question>`)
	responseBlockRe  = regexp.MustCompile(`(?si)<response\b[^>]*>([\s\S]*?)</response>`)
	leadingFenceRe   = regexp.MustCompile(`^` + "```" + `[a-zA-Z]*\n`)
	trailingFenceRe  = regexp.MustCompile(`\n` + "```" + `\s*$`)
)

// Variations parses augmentation output: an optional <response> wrapper
// holding <variations> with numbered <variation_N> blocks, each carrying
// <question>, <context>, <constraints>. Falls back to bare <question> tags
// when no variation blocks exist. Returns nil when nothing parseable remains.
func Variations(text, mode string) []Variation {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = leadingFenceRe.ReplaceAllString(s, "")
		s = trailingFenceRe.ReplaceAllString(s, "")
	}
	if idx := strings.Index(s, "<"); idx > 0 {
		s = s[idx:]
	}

	body := s
	if m := responseBlockRe.FindStringSubmatch(s); len(m) > 1 {
		body = m[1]
	}
	if inner := XMLField(body, "variations"); inner != "" {
		body = inner
	}

	var out []Variation
	for i, m := range variationBlockRe.FindAllStringSubmatch(body, -1) {
		block := m[1]
		question := strings.TrimSpace(XMLField(block, "question"))
		if question == "" {
			continue
		}
		out = append(out, Variation{
			Index:       i + 1,
			Question:    question,
			Context:     strings.TrimSpace(XMLField(block, "context")),
			Constraints: strings.TrimSpace(XMLField(block, "constraints")),
			Mode:        mode,
		})
	}
	if len(out) > 0 {
		return out
	}

	for i, m := range bareQuestionRe.FindAllStringSubmatch(body, -1) {
		q := strings.TrimSpace(m[1])
		if q == "" {
			continue
		}
		out = append(out, Variation{Index: i + 1, Question: q, Mode: mode})
	}
	return out
}

// UnwrapTag removes a single wrapping <tag>...</tag> pair around the whole
// string, used when extracting the user query from generated questions.
func UnwrapTag(s string) string {
	s = strings.TrimSpace(s)
	m := regexp.MustCompile(`(?s)^<(\w+)>(.*)</(\w+)>$`).FindStringSubmatch(s)
	if len(m) == 4 && m[1] == m[3] {
		return strings.TrimSpace(m[2])
	}
	return s
}
