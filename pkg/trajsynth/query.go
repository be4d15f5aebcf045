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

package trajsynth

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"github.com/blilab/agentsynth/pkg/llm"
	"github.com/blilab/agentsynth/pkg/parse"
	"github.com/blilab/agentsynth/pkg/prompts"
	"github.com/blilab/agentsynth/pkg/record"
)

// QueryGenerator turns (server, sub-chain) pairs into user questions.
type QueryGenerator struct {
	Chat    Chatter
	Prompts *prompts.Store
}

// Generate produces one query for the record's sub-chain.
func (g *QueryGenerator) Generate(ctx context.Context, info *record.MCPInfo, subChain []string) (*record.QueryInfo, error) {
	prompt, err := g.Prompts.Render("query_gen", map[string]string{
		"MCP_SERVER_NAME":    info.BaseInfo.GroupInfo.ServerName,
		"SERVER_DESCRIPTION": info.BaseInfo.GroupInfo.ServerDescription,
		"TOOL_LIST":          info.NumberedToolList(),
		"SUB_CHAIN":          strings.Join(subChain, " -> "),
	})
	if err != nil {
		return nil, err
	}
	reply, err := g.Chat.Chat(ctx, []llm.Message{llm.User(prompt)}, nil)
	if err != nil {
		return nil, err
	}

	question := strings.TrimSpace(parse.XMLField(reply.Content, "question"))
	if question == "" {
		return nil, fmt.Errorf("reply carries no question")
	}
	return &record.QueryInfo{
		GeneratedQuestion: question,
		ServerAnalysis:    strings.TrimSpace(parse.XMLField(reply.Content, "server_analysis")),
		TargetTools:       splitToolNames(parse.XMLField(reply.Content, "target_tools")),
	}, nil
}

// splitToolNames tolerates comma- and newline-separated enumerations.
func splitToolNames(raw string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == '\n' }) {
		name := strings.Trim(strings.TrimSpace(part), "`*-. ")
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

// AugmentModes are the supported augmentation strategies.
var AugmentModes = []string{"diverse", "complicate", "add_ug"}

// Persona conditions the add_ug mode. Ethnicity and region are deliberately
// not part of the schema.
type Persona struct {
	Age          int      `json:"age"`
	Occupation   string   `json:"occupation"`
	Education    string   `json:"education"`
	Professional string   `json:"professional"`
	Skills       []string `json:"skills"`
	Hobbies      []string `json:"hobbies"`
}

func (p Persona) String() string {
	return fmt.Sprintf("- age: %d\n- occupation: %s\n- education: %s\n- professional background: %s\n- skills: %s\n- hobbies: %s",
		p.Age, p.Occupation, p.Education, p.Professional,
		strings.Join(p.Skills, ", "), strings.Join(p.Hobbies, ", "))
}

var personaTable = []Persona{
	{34, "logistics coordinator", "bachelor's in supply chain management", "8 years in freight forwarding", []string{"spreadsheets", "route planning"}, []string{"cycling", "board games"}},
	{27, "graduate student", "master's candidate in computational biology", "2 years of wet-lab research", []string{"python", "statistics"}, []string{"climbing", "sci-fi novels"}},
	{52, "small business owner", "high school diploma", "runs a family hardware store", []string{"bookkeeping", "negotiation"}, []string{"fishing", "woodworking"}},
	{41, "product manager", "MBA", "12 years in consumer software", []string{"roadmapping", "user interviews"}, []string{"running", "cooking"}},
	{23, "junior frontend developer", "coding bootcamp graduate", "first job at a startup", []string{"react", "css"}, []string{"gaming", "photography"}},
	{63, "retired teacher", "bachelor's in education", "35 years teaching middle school", []string{"writing", "public speaking"}, []string{"gardening", "genealogy"}},
	{38, "freelance journalist", "bachelor's in political science", "covers regional energy policy", []string{"interviewing", "fact-checking"}, []string{"hiking", "podcasts"}},
	{45, "hospital administrator", "master's in health administration", "manages a 200-bed facility", []string{"budgeting", "compliance"}, []string{"tennis", "volunteering"}},
}

// SamplePersona draws a persona using rng; a nil rng uses the global source.
func SamplePersona(rng *rand.Rand) Persona {
	if rng == nil {
		return personaTable[rand.Intn(len(personaTable))]
	}
	return personaTable[rng.Intn(len(personaTable))]
}

// Augmenter rewrites generated queries into variants.
type Augmenter struct {
	Chat    Chatter
	Prompts *prompts.Store
	Rand    *rand.Rand
}

// Augment expands one query record into the original (tagged with an empty
// augmented_query_info) plus one record per parsed variation. A reply with
// no parseable variations yields just the original.
func (a *Augmenter) Augment(ctx context.Context, rec *record.QueryRecord, mode string) ([]record.QueryRecord, error) {
	vars := map[string]string{
		"QUESTION":  rec.QueryInfo.GeneratedQuestion,
		"SUB_CHAIN": strings.Join(rec.ChainInfo.SubChain, " -> "),
	}
	if mode == "add_ug" {
		vars["PERSONA"] = SamplePersona(a.Rand).String()
	}
	prompt, err := a.Prompts.Render("augment_"+mode, vars)
	if err != nil {
		return nil, err
	}
	reply, err := a.Chat.Chat(ctx, []llm.Message{llm.User(prompt)}, nil)
	if err != nil {
		return nil, err
	}

	original := *rec
	original.QueryInfo.AugmentedQueryInfo = &record.AugmentedQueryInfo{}
	out := []record.QueryRecord{original}

	for _, v := range parse.Variations(reply.Content, mode) {
		variant := *rec
		variant.QueryInfo.AugmentedQueryInfo = &record.AugmentedQueryInfo{
			Mode:              mode,
			AugmentedQuestion: v.Question,
		}
		out = append(out, variant)
	}
	return out, nil
}

// Rating maps: judge replies rate in words, records store 1-5.
var (
	difficultyRatings = map[string]int{
		"very easy": 1, "easy": 2, "medium": 3, "hard": 4, "very hard": 5,
	}
	qualityRatings = map[string]int{
		"very poor": 1, "poor": 2, "average": 3, "good": 4, "excellent": 5,
	}
)

// scoreDimensions maps each dimension tag to its rating vocabulary.
var scoreDimensions = []struct {
	name    string
	ratings map[string]int
}{
	{"tool_selection_difficulty", difficultyRatings},
	{"tool_selection_uniqueness", difficultyRatings},
	{"question_quality", qualityRatings},
	{"scenario_realism", qualityRatings},
}

// QueryScorer rates generated queries on four dimensions.
type QueryScorer struct {
	Chat    Chatter
	Prompts *prompts.Store
}

// Score attaches query_score_info to the record. Every dimension must parse
// to a known rating word.
func (s *QueryScorer) Score(ctx context.Context, rec *record.QueryRecord) error {
	prompt, err := s.Prompts.Render("query_score", map[string]string{
		"TOOL_LIST": rec.MCPInfo.NumberedToolList(),
		"QUESTION":  rec.QueryInfo.Question(),
		"SUB_CHAIN": strings.Join(rec.ChainInfo.SubChain, " -> "),
	})
	if err != nil {
		return err
	}
	reply, err := s.Chat.Chat(ctx, []llm.Message{llm.User(prompt)}, nil)
	if err != nil {
		return err
	}

	info := &record.QueryScoreInfo{
		QualityScores:    make(map[string]int, len(scoreDimensions)),
		QualityReasoning: make(map[string]string, len(scoreDimensions)),
	}
	for _, dim := range scoreDimensions {
		block := parse.XMLField(reply.Content, dim.name)
		if block == "" {
			return fmt.Errorf("score reply missing dimension %s", dim.name)
		}
		rating := strings.ToLower(strings.TrimSpace(parse.XMLField(block, "rating")))
		score, ok := dim.ratings[rating]
		if !ok {
			return fmt.Errorf("dimension %s has unknown rating %q", dim.name, rating)
		}
		info.QualityScores[dim.name] = score
		info.QualityReasoning[dim.name] = strings.TrimSpace(parse.XMLField(block, "reason"))
		info.Total += score
	}
	info.Average = float64(info.Total) / float64(len(scoreDimensions))
	rec.QueryInfo.QueryScoreInfo = info
	return nil
}
