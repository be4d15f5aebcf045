package trajsynth

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blilab/agentsynth/pkg/llm"
	"github.com/blilab/agentsynth/pkg/named"
	"github.com/blilab/agentsynth/pkg/prompts"
	"github.com/blilab/agentsynth/pkg/record"
)

func init() {
	sleep = func(ctx context.Context, d time.Duration) {}
}

type chatFunc func(prompt string) (string, error)

func (f chatFunc) Chat(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.Reply, error) {
	content, err := f(messages[len(messages)-1].Content)
	if err != nil {
		return nil, err
	}
	return &llm.Reply{Content: content}, nil
}

func testStore(t *testing.T) *prompts.Store {
	t.Helper()
	t.Setenv("PROMPT_DIR", "")
	s, err := prompts.NewStore("")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleMCP() record.MCPInfo {
	return record.MCPInfo{
		BaseInfo: record.BaseInfo{
			GroupInfo: record.GroupInfo{
				ServerName:        "weather-hub",
				ServerDescription: "Weather lookups and alerting.",
			},
			ToolList: []record.ToolSpec{
				{Name: "get_city", Description: "Resolve a city name to an id."},
				{Name: "get_forecast", Description: "Fetch the forecast for a city id."},
				{Name: "send_alert", Description: "Send a weather alert."},
			},
		},
	}
}

func sampleQueryRecord() *record.QueryRecord {
	return &record.QueryRecord{
		QueryInfo: record.QueryInfo{GeneratedQuestion: "What's tomorrow's forecast for Paris?"},
		MCPInfo:   sampleMCP(),
		ChainInfo: record.ChainInfo{SubChain: []string{"get_city", "get_forecast"}},
	}
}

// --- chain detection and graph ---

func TestDetectChainsKeepsConfidentValidChains(t *testing.T) {
	info := sampleMCP()
	chat := chatFunc(func(prompt string) (string, error) {
		assert.Contains(t, prompt, "weather-hub")
		return `[
			{"tool_graph_detect":"yes","tool_graph_detect_chain":["get_city","get_forecast"],"tool_graph_detect_task":"forecast lookup"},
			{"tool_graph_detect":"yes","tool_graph_detect_chain":["get_city","no_such_tool"],"tool_graph_detect_task":"bogus"},
			{"tool_graph_detect":"no","tool_graph_detect_chain":["send_alert"],"tool_graph_detect_task":"none"}
		]`, nil
	})

	b := &ChainBuilder{Chat: chat, Prompts: testStore(t)}
	chains, raw, err := b.DetectChains(context.Background(), &info)
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
	require.Len(t, chains, 1)
	assert.Equal(t, []string{"get_city", "get_forecast"}, chains[0].Chain)
}

func TestGraphSubChainsEnumeratesSimplePaths(t *testing.T) {
	g := BuildGraph([]DetectedChain{
		{Chain: []string{"a", "b", "c"}},
		{Chain: []string{"a", "c"}},
	})
	assert.Equal(t, []string{"a", "b", "c"}, g.Nodes())

	chains := g.SubChains(2, 3)
	assert.Equal(t, [][]string{
		{"a", "b"},
		{"a", "b", "c"},
		{"a", "c"},
		{"b", "c"},
	}, chains)
}

func TestGraphDeduplicatesEdges(t *testing.T) {
	g := BuildGraph([]DetectedChain{
		{Chain: []string{"a", "b"}},
		{Chain: []string{"a", "b"}},
	})
	assert.Equal(t, [][]string{{"a", "b"}}, g.SubChains(2, 2))
}

// --- query generation ---

func TestQueryGeneratorParsesReply(t *testing.T) {
	info := sampleMCP()
	chat := chatFunc(func(prompt string) (string, error) {
		return `<server_analysis>weather server</server_analysis>
<target_tools>get_city, get_forecast</target_tools>
<question>Will it rain in Paris tomorrow?</question>`, nil
	})

	g := &QueryGenerator{Chat: chat, Prompts: testStore(t)}
	q, err := g.Generate(context.Background(), &info, []string{"get_city", "get_forecast"})
	require.NoError(t, err)
	assert.Equal(t, "Will it rain in Paris tomorrow?", q.GeneratedQuestion)
	assert.Equal(t, "weather server", q.ServerAnalysis)
	assert.Equal(t, []string{"get_city", "get_forecast"}, q.TargetTools)
}

func TestQueryGeneratorRejectsReplyWithoutQuestion(t *testing.T) {
	info := sampleMCP()
	chat := chatFunc(func(prompt string) (string, error) {
		return `<server_analysis>nothing useful</server_analysis>`, nil
	})
	g := &QueryGenerator{Chat: chat, Prompts: testStore(t)}
	_, err := g.Generate(context.Background(), &info, []string{"get_city"})
	assert.Error(t, err)
}

func TestAugmenterEmitsOriginalPlusVariants(t *testing.T) {
	rec := sampleQueryRecord()
	chat := chatFunc(func(prompt string) (string, error) {
		return `<response><variations>
<variation_1><question>Rain in Paris tomorrow?</question></variation_1>
<variation_2><question>Do I need an umbrella in Paris?</question></variation_2>
</variations></response>`, nil
	})

	a := &Augmenter{Chat: chat, Prompts: testStore(t)}
	out, err := a.Augment(context.Background(), rec, "diverse")
	require.NoError(t, err)
	require.Len(t, out, 3)

	require.NotNil(t, out[0].QueryInfo.AugmentedQueryInfo)
	assert.Empty(t, out[0].QueryInfo.AugmentedQueryInfo.Mode)
	assert.Equal(t, rec.QueryInfo.GeneratedQuestion, out[0].QueryInfo.Question())

	assert.Equal(t, "diverse", out[1].QueryInfo.AugmentedQueryInfo.Mode)
	assert.Equal(t, "Rain in Paris tomorrow?", out[1].QueryInfo.Question())
	assert.Equal(t, "Do I need an umbrella in Paris?", out[2].QueryInfo.Question())
}

func TestAugmenterAddUGInjectsPersona(t *testing.T) {
	rec := sampleQueryRecord()
	var seenPrompt string
	chat := chatFunc(func(prompt string) (string, error) {
		seenPrompt = prompt
		return `<question>As a coordinator I need the Paris forecast.</question>`, nil
	})

	a := &Augmenter{Chat: chat, Prompts: testStore(t), Rand: rand.New(rand.NewSource(1))}
	out, err := a.Augment(context.Background(), rec, "add_ug")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Contains(t, seenPrompt, "occupation")
}

func TestQueryScorerMapsRatingWords(t *testing.T) {
	rec := sampleQueryRecord()
	chat := chatFunc(func(prompt string) (string, error) {
		return `<tool_selection_difficulty><rating>hard</rating><reason>ambiguous</reason></tool_selection_difficulty>
<tool_selection_uniqueness><rating>medium</rating><reason>alternatives exist</reason></tool_selection_uniqueness>
<question_quality><rating>good</rating><reason>clear</reason></question_quality>
<scenario_realism><rating>excellent</rating><reason>plausible</reason></scenario_realism>`, nil
	})

	s := &QueryScorer{Chat: chat, Prompts: testStore(t)}
	require.NoError(t, s.Score(context.Background(), rec))

	info := rec.QueryInfo.QueryScoreInfo
	require.NotNil(t, info)
	assert.Equal(t, 4, info.QualityScores["tool_selection_difficulty"])
	assert.Equal(t, 3, info.QualityScores["tool_selection_uniqueness"])
	assert.Equal(t, 4, info.QualityScores["question_quality"])
	assert.Equal(t, 5, info.QualityScores["scenario_realism"])
	assert.Equal(t, 16, info.Total)
	assert.InDelta(t, 4.0, info.Average, 1e-9)
}

func TestQueryScorerRejectsUnknownRating(t *testing.T) {
	rec := sampleQueryRecord()
	chat := chatFunc(func(prompt string) (string, error) {
		return `<tool_selection_difficulty><rating>impossible</rating></tool_selection_difficulty>`, nil
	})
	s := &QueryScorer{Chat: chat, Prompts: testStore(t)}
	assert.Error(t, s.Score(context.Background(), rec))
}

// --- verification operators ---

func TestVoteVerifierMajority(t *testing.T) {
	rec := sampleQueryRecord()
	calls := 0
	chat := chatFunc(func(prompt string) (string, error) {
		calls++
		switch calls {
		case 1:
			return `{"is_valid":true,"task_description":"check forecast","user_query":"rain in Paris?","task_plan":"city then forecast"}`, nil
		case 2:
			return `not json at all`, nil
		default:
			return `{"is_valid":true,"task_description":"other","user_query":"q","task_plan":"p"}`, nil
		}
	})

	v := &VoteVerifier{Chat: chat, Prompts: testStore(t), Samples: 3}
	out, err := v.Verify(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, true, out["is_valid"])
	assert.Equal(t, 3, out["vote_count"])
	assert.Equal(t, 2, out["valid_votes"])
	assert.Equal(t, 1, out["parse_errors"])
	// first valid answer wins
	assert.Equal(t, "check forecast", out["task_description"])
}

func TestVoteVerifierMinorityInvalid(t *testing.T) {
	rec := sampleQueryRecord()
	calls := 0
	chat := chatFunc(func(prompt string) (string, error) {
		calls++
		if calls == 1 {
			return `{"is_valid":true,"task_description":"t","user_query":"q","task_plan":"p"}`, nil
		}
		return `{"is_valid":false,"reason":"no realistic task"}`, nil
	})

	v := &VoteVerifier{Chat: chat, Prompts: testStore(t), Samples: 3}
	out, err := v.Verify(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, false, out["is_valid"])
}

func btChat(t *testing.T, plan string) chatFunc {
	t.Helper()
	return chatFunc(func(prompt string) (string, error) {
		switch {
		case strings.Contains(prompt, "this tool chain would fulfill"):
			return `{"valid":true,"query":"forecast for Paris please"}`, nil
		case strings.Contains(prompt, "Plan which of the server's tools"):
			return plan, nil
		}
		return "", fmt.Errorf("unexpected prompt: %.60s", prompt)
	})
}

func TestBackTranslatorRoundTripValid(t *testing.T) {
	rec := sampleQueryRecord()
	chat := btChat(t, `{"plan":["get_city","get_forecast"]}`)

	b := &BackTranslator{
		Models:  map[string]Chatter{"m1": chat, "m2": chat},
		Prompts: testStore(t),
	}
	out, err := b.Verify(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, true, out["valid"])
}

func TestBackTranslatorPlanMismatchInvalid(t *testing.T) {
	rec := sampleQueryRecord()
	chat := btChat(t, `{"plan":["get_forecast","get_city"]}`)

	b := &BackTranslator{Models: map[string]Chatter{"m1": chat}, Prompts: testStore(t)}
	out, err := b.Verify(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, false, out["valid"])
}

func TestBackTranslatorRejectsUnknownPlannedTool(t *testing.T) {
	rec := sampleQueryRecord()
	chat := btChat(t, `{"plan":["get_city","teleport"]}`)

	b := &BackTranslator{Models: map[string]Chatter{"m1": chat}, Prompts: testStore(t)}
	out, err := b.Verify(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, false, out["valid"])
}

func TestRunOperatorsRecordsResultsAndFailures(t *testing.T) {
	rec := sampleQueryRecord()
	ops := []Operator{
		{Name: "ok", Run: func(ctx context.Context, rec *record.QueryRecord) (any, error) {
			return map[string]any{"valid": true}, nil
		}},
		{Name: "broken", Run: func(ctx context.Context, rec *record.QueryRecord) (any, error) {
			return nil, fmt.Errorf("model unavailable")
		}},
	}

	RunOperators(context.Background(), named.NewRegistry(2), rec, ops)

	require.Contains(t, rec.ChainInfo.OperatorResults, "ok")
	require.Contains(t, rec.ChainInfo.OperatorResults, "broken")
	failure := rec.ChainInfo.OperatorResults["broken"].(map[string]any)
	assert.Equal(t, "failed", failure["status"])
	assert.Contains(t, failure["error"], "model unavailable")
}

// --- reward scoring ---

func sampleTrajectory() []llm.Message {
	return []llm.Message{
		llm.System("You are a weather assistant."),
		llm.User("What's tomorrow's forecast for Paris, and is an alert needed?"),
		{Role: "assistant", Content: "I'll resolve the city first.", ToolCalls: []llm.ToolCall{
			{ID: "c1", Type: "function", Function: llm.FunctionCall{Name: "get_city", Arguments: `{"name":"Paris"}`}},
		}},
		llm.ToolMsg("c1", `{"city_id": 42}`),
		{Role: "assistant", Content: "Now the forecast.", ToolCalls: []llm.ToolCall{
			{ID: "c2", Type: "function", Function: llm.FunctionCall{Name: "get_forecast", Arguments: `{"city_id":42}`}},
		}},
		llm.ToolMsg("c2", `{"error": "upstream timeout"}`),
		{Role: "assistant", Content: "Light rain expected tomorrow in Paris; no alert needed."},
	}
}

func rewardRecord() *record.QueryRecord {
	rec := sampleQueryRecord()
	rec.Trajectory = sampleTrajectory()
	return rec
}

func rewardChat(t *testing.T) chatFunc {
	t.Helper()
	return chatFunc(func(prompt string) (string, error) {
		switch {
		case strings.Contains(prompt, "Review every tool call"):
			return `{"tool_score_list":[{"tool_name":"get_city","score":1,"reason":"needed"},{"tool_name":"get_forecast","score":0,"reason":"wrong params"}]}`, nil
		case strings.Contains(prompt, "actually addresses the user's question"):
			return `{"score":1.0,"reason":"on topic"}`, nil
		case strings.Contains(prompt, "faithfully summarizes"):
			return `{"score":1.0,"reason":"supported"}`, nil
		case strings.Contains(prompt, "Below is one tool call"):
			if strings.Contains(prompt, "get_city") {
				return `{"tool_status":true,"reason":"returned an id"}`, nil
			}
			return `{"tool_status":false,"reason":"timeout"}`, nil
		case strings.Contains(prompt, "decided on its next tool"):
			return `{"score":0.5,"reason":"partly right"}`, nil
		case strings.Contains(prompt, "just received the tool results"):
			return `{"score":1,"reason":"interpreted correctly"}`, nil
		case strings.Contains(prompt, "correct understanding of"):
			return `{"score":1,"reason":"understood"}`, nil
		case strings.Contains(prompt, "sound overall plan"):
			return `{"score":0.5,"reason":"partial plan"}`, nil
		}
		return "", fmt.Errorf("unexpected prompt: %.60s", prompt)
	})
}

func TestRewardScorerCombinesSevenJudges(t *testing.T) {
	rec := rewardRecord()
	s := &RewardScorer{Chat: rewardChat(t), Prompts: testStore(t), Sem: named.NewRegistry(4)}

	s.Score(context.Background(), rec)

	require.NotNil(t, rec.RewardInfo)
	scores := rec.RewardInfo.Scores
	assert.InDelta(t, 0.5, scores["tool_concise"], 1e-9)
	assert.InDelta(t, 1.0, scores["final_answer"], 1e-9)
	// (1.0 success + 0.5 failure) / 2 calls
	assert.InDelta(t, 0.75, scores["tool_call"], 1e-9)
	assert.InDelta(t, 0.5, scores["tool_plan"], 1e-9)
	assert.InDelta(t, 1.0, scores["tool_understand"], 1e-9)
	assert.InDelta(t, 1.0, scores["query_understand"], 1e-9)
	assert.InDelta(t, 0.5, scores["query_plan"], 1e-9)
	assert.InDelta(t, 0.75, rec.RewardInfo.Overall, 1e-9)
	assert.Equal(t, 0, rec.RewardInfo.ExtraInfo["is_safe_score"])
}

func TestRewardScorerSafeDefaultsOnFailure(t *testing.T) {
	rec := rewardRecord()
	chat := chatFunc(func(prompt string) (string, error) {
		return "", fmt.Errorf("model down")
	})
	s := &RewardScorer{Chat: chat, Prompts: testStore(t), Sem: named.NewRegistry(4)}

	s.Score(context.Background(), rec)

	require.NotNil(t, rec.RewardInfo)
	assert.InDelta(t, 1.0, rec.RewardInfo.Overall, 1e-9)
	assert.Equal(t, 1, rec.RewardInfo.ExtraInfo["is_safe_score"])
}

func TestRewardScorerNoToolCallsUsesSafeConciseness(t *testing.T) {
	rec := rewardRecord()
	rec.Trajectory = []llm.Message{
		llm.System("sys"),
		llm.User("hello"),
		{Role: "assistant", Content: "hi"},
	}
	chat := chatFunc(func(prompt string) (string, error) {
		return `{"score":1,"reason":"fine"}`, nil
	})
	s := &RewardScorer{Chat: chat, Prompts: testStore(t), Sem: named.NewRegistry(4)}

	s.Score(context.Background(), rec)

	require.NotNil(t, rec.RewardInfo)
	assert.InDelta(t, 1.0, rec.RewardInfo.Scores["tool_concise"], 1e-9)
	assert.Equal(t, 1, rec.RewardInfo.ExtraInfo["is_safe_score"])
}

func TestCorrelationLanguageMismatchScoresZeroWithoutLLM(t *testing.T) {
	rec := rewardRecord()
	rec.Trajectory[1].Content = "明天巴黎的天气预报是什么？需要预警吗？"
	chat := chatFunc(func(prompt string) (string, error) {
		t.Fatalf("correlation must not call the model on language mismatch, got: %.60s", prompt)
		return "", nil
	})
	s := &RewardScorer{Chat: chat, Prompts: testStore(t), Sem: named.NewRegistry(4)}

	score, payload, err := s.scoreCorrelation(context.Background(), rec)
	require.NoError(t, err)
	assert.Zero(t, score)
	assert.Contains(t, payload["reason"], "different languages")
}

func TestSummaryFabricatedURLScoresZero(t *testing.T) {
	rec := rewardRecord()
	rec.Trajectory[len(rec.Trajectory)-1].Content = "See https://example.com/forecast/paris for details."
	chat := chatFunc(func(prompt string) (string, error) {
		if strings.Contains(prompt, "do not appear anywhere in the trajectory") {
			return `{"fabricated":true,"reason":"no such source"}`, nil
		}
		return "", fmt.Errorf("unexpected prompt: %.60s", prompt)
	})
	s := &RewardScorer{Chat: chat, Prompts: testStore(t), Sem: named.NewRegistry(4)}

	score, payload, err := s.scoreSummary(context.Background(), rec)
	require.NoError(t, err)
	assert.Zero(t, score)
	assert.Contains(t, payload, "missing_urls")
}

func TestSummaryWithoutToolTurnsScoresOne(t *testing.T) {
	rec := rewardRecord()
	rec.Trajectory = []llm.Message{
		llm.System("sys"),
		llm.User("hello"),
		{Role: "assistant", Content: "hi there"},
	}
	chat := chatFunc(func(prompt string) (string, error) {
		return "", fmt.Errorf("should not be called")
	})
	s := &RewardScorer{Chat: chat, Prompts: testStore(t), Sem: named.NewRegistry(4)}

	score, _, err := s.scoreSummary(context.Background(), rec)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, score, 1e-9)
}

func TestDetectLanguage(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"What's the forecast for Paris tomorrow?", "en"},
		{"明天巴黎的天气怎么样？", "zh"},
		{"12345 !!!", "unknown"},
		{"", "unknown"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, detectLanguage(tc.text), tc.text)
	}
}

func TestExtractURLsTrimsTrailingPunctuation(t *testing.T) {
	urls := extractURLs("See https://example.com/a, and http://example.org/b.")
	assert.Equal(t, []string{"https://example.com/a", "http://example.org/b"}, urls)
}
