package envsynth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blilab/agentsynth/pkg/llm"
	"github.com/blilab/agentsynth/pkg/named"
	"github.com/blilab/agentsynth/pkg/prompts"
	"github.com/blilab/agentsynth/pkg/record"
	"github.com/blilab/agentsynth/pkg/sandbox"
)

func init() {
	sleep = func(ctx context.Context, d time.Duration) error { return nil }
}

type chatFunc func(prompt string) (string, error)

func (f chatFunc) Chat(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.Reply, error) {
	content, err := f(messages[len(messages)-1].Content)
	if err != nil {
		return nil, err
	}
	return &llm.Reply{Content: content}, nil
}

type sandboxFunc func(code string) (*sandbox.Response, error)

func (f sandboxFunc) RunCode(ctx context.Context, code string) (*sandbox.Response, error) {
	return f(code)
}

func testStore(t *testing.T) *prompts.Store {
	t.Helper()
	t.Setenv("PROMPT_DIR", "")
	s, err := prompts.NewStore("")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func boolPtr(b bool) *bool { return &b }

func sampleRecord() *record.DecompositionRecord {
	return &record.DecompositionRecord{
		UUID:         "rec-1",
		MainQuestion: "Which city hosted the olympics the year X was born?",
		FinalAnswer:  "Paris",
		Trace: []record.TraceStep{
			{UUID: "s1", HopLevel: 1, SubQuestion: "When was X born?", SubAnswer: "1924"},
			{UUID: "s2", HopLevel: 2, SubQuestion: "Which city hosted the 1924 olympics?", SubAnswer: "Paris",
				Dependency: record.Dependencies{"s1"}},
			{UUID: "s3", HopLevel: 3, SubQuestion: "Summarize the findings", SubAnswer: "Paris",
				Dependency: record.Dependencies{"s2"}},
		},
	}
}

// --- necessity ---

func TestNecessityCheckAnnotatesTrace(t *testing.T) {
	rec := sampleRecord()
	chat := chatFunc(func(prompt string) (string, error) {
		assert.Contains(t, prompt, rec.MainQuestion)
		return `[
			{"uuid":"s1","tool_necessity":true,"reason":"needs lookup"},
			{"uuid":"s2","tool_necessity":true,"reason":"needs lookup"},
			{"uuid":"s3","tool_necessity":false,"reason":"summary"}
		]`, nil
	})

	c := &NecessityChecker{Chat: chat, Prompts: testStore(t)}
	require.NoError(t, c.Check(context.Background(), rec))

	require.NotNil(t, rec.Trace[0].ToolNecessity)
	assert.True(t, *rec.Trace[0].ToolNecessity)
	assert.False(t, *rec.Trace[2].ToolNecessity)
	assert.Equal(t, "summary", rec.Trace[2].Reason)
	require.NotNil(t, rec.ToolNecessityLegitimacy)
	assert.True(t, *rec.ToolNecessityLegitimacy)
}

func TestNecessityLegitimacyDeniedWhenDependencyUnnecessary(t *testing.T) {
	rec := sampleRecord()
	chat := chatFunc(func(prompt string) (string, error) {
		// s2 is depended on by s3 but judged unnecessary
		return `[
			{"uuid":"s1","tool_necessity":true,"reason":"r"},
			{"uuid":"s2","tool_necessity":false,"reason":"r"},
			{"uuid":"s3","tool_necessity":false,"reason":"r"}
		]`, nil
	})

	c := &NecessityChecker{Chat: chat, Prompts: testStore(t)}
	require.NoError(t, c.Check(context.Background(), rec))
	require.NotNil(t, rec.ToolNecessityLegitimacy)
	assert.False(t, *rec.ToolNecessityLegitimacy)
}

func TestNecessityMisalignmentRetriesThenSurvives(t *testing.T) {
	rec := sampleRecord()
	calls := 0
	chat := chatFunc(func(prompt string) (string, error) {
		calls++
		return `[{"uuid":"wrong","tool_necessity":true,"reason":"r"}]`, nil
	})

	c := &NecessityChecker{Chat: chat, Prompts: testStore(t)}
	require.NoError(t, c.Check(context.Background(), rec))
	assert.Equal(t, 3, calls)
	require.NotNil(t, rec.ToolNecessityLegitimacy)
	assert.False(t, *rec.ToolNecessityLegitimacy)
	assert.Contains(t, rec.Error, "necessity")
}

// --- verifier ---

func verifierChat(t *testing.T) chatFunc {
	return chatFunc(func(prompt string) (string, error) {
		switch {
		case strings.Contains(prompt, "dependency set"):
			return `{"score": 1, "reason": "exact"}`, nil
		case strings.Contains(prompt, "atomic"):
			return `{"1": {"is_atomic": 1, "reason_atomic": "ok"},
					 "2": {"is_atomic": 0, "reason_atomic": "compound"},
					 "3": {"is_atomic": 1, "reason_atomic": "exempt"}}`, nil
		case strings.Contains(prompt, "forced serialization"):
			return `{"score": 0, "problematic_steps": ["s2"], "reasoning": "s2 independent"}`, nil
		case strings.Contains(prompt, "coverage"):
			return `{"main_question_requirements": ["r1"],
					 "coverage_analysis": {"covered_requirements": ["r1"], "missing_requirements": []},
					 "score": 1}`, nil
		default:
			return "", fmt.Errorf("unexpected prompt: %.60s", prompt)
		}
	})
}

func TestVerifyCompositeScore(t *testing.T) {
	rec := sampleRecord()
	v := &Verifier{Chat: verifierChat(t), Prompts: testStore(t), Sem: named.NewRegistry(4)}
	v.Verify(context.Background(), rec)

	require.NotNil(t, rec.VerifyResult)
	// dependency 1.0, atomicity (1+0)/2 = 0.5, serialization 2/3, completeness 1.0
	expected := (1.0 + 0.5 + 2.0/3.0 + 1.0) / 4.0
	assert.InDelta(t, expected, rec.VerifyResult.Score, 1e-9)
	assert.Equal(t, 0, rec.VerifyResult.ExtraInfo["is_safe_score"])
}

func TestVerifySafeDefaultsOnJudgeFailure(t *testing.T) {
	rec := sampleRecord()
	chat := chatFunc(func(prompt string) (string, error) {
		return "", fmt.Errorf("model down")
	})
	v := &Verifier{Chat: chat, Prompts: testStore(t), Sem: named.NewRegistry(4)}
	v.Verify(context.Background(), rec)

	require.NotNil(t, rec.VerifyResult)
	assert.Equal(t, 1.0, rec.VerifyResult.Score)
	assert.Equal(t, 1, rec.VerifyResult.ExtraInfo["is_safe_score"])
}

func TestVerifyBrokenDependencySentinel(t *testing.T) {
	rec := sampleRecord()
	rec.Trace[1].Dependency = record.Dependencies{"missing-uuid"}
	v := &Verifier{Chat: verifierChat(t), Prompts: testStore(t), Sem: named.NewRegistry(4)}
	v.Verify(context.Background(), rec)

	require.NotNil(t, rec.VerifyResult)
	assert.Less(t, rec.VerifyResult.Score, 0.0)
}

// --- synthesizer ---

func synthChat(t *testing.T, callStmt string) chatFunc {
	doc := record.ToolDocument{
		Name:        "birth_year_lookup",
		Description: "looks up birth years",
		Parameters: record.ToolParameters{
			Type:       "object",
			Properties: map[string]any{"person": map[string]any{"type": "string"}},
			Required:   []string{"person"},
		},
	}
	docJSON, _ := json.Marshal(doc)
	return chatFunc(func(prompt string) (string, error) {
		switch {
		case strings.Contains(prompt, "Design a tool"):
			return fmt.Sprintf(`{"tool": %s, "analysis": "fits"}`, docJSON), nil
		case strings.Contains(prompt, "richer"):
			return fmt.Sprintf(`{"refined_version": %s, "analysis": "enriched"}`, docJSON), nil
		case strings.Contains(prompt, "single-line call expression"):
			callJSON, _ := json.Marshal(callStmt)
			return fmt.Sprintf(`{"call": %s, "analysis": "covers"}`, callJSON), nil
		case strings.Contains(prompt, "standard library"):
			return `{"code": "def birth_year_lookup(person):\n    return '1924'", "analysis": "mock"}`, nil
		default:
			return "", fmt.Errorf("unexpected prompt: %.60s", prompt)
		}
	})
}

func passSandbox(stdout string) sandboxFunc {
	return func(code string) (*sandbox.Response, error) {
		return &sandbox.Response{Status: sandbox.StatusSuccess, RunResult: sandbox.RunResult{Stdout: stdout}}, nil
	}
}

func TestSynthesizeSuccess(t *testing.T) {
	s := &Synthesizer{
		Chat:    synthChat(t, `birth_year_lookup(person="X")`),
		Sandbox: passSandbox("1924\n"),
		Prompts: testStore(t),
	}
	res, err := s.Synthesize(context.Background(), "When was X born?", "1924")
	require.NoError(t, err)
	assert.Equal(t, "birth_year_lookup", res.EnvSynthesisResult.Data.ToolDocument.Name)
	assert.Equal(t, `birth_year_lookup(person="X")`, res.EnvSynthesisResult.Data.ToolCallStatement)
	assert.Contains(t, res.EnvSynthesisResult.Data.ToolCallAns, "1924")
}

func TestSynthesizeRejectsURLInCall(t *testing.T) {
	s := &Synthesizer{
		Chat:    synthChat(t, `birth_year_lookup(person="http://x.com")`),
		Sandbox: passSandbox("1924"),
		Prompts: testStore(t),
	}
	_, err := s.Synthesize(context.Background(), "When was X born?", "1924")
	require.Error(t, err)
}

func TestSynthesizeAnswerMismatchExhaustsOuterLoop(t *testing.T) {
	runs := 0
	s := &Synthesizer{
		Chat: synthChat(t, `birth_year_lookup(person="X")`),
		Sandbox: sandboxFunc(func(code string) (*sandbox.Response, error) {
			runs++
			return &sandbox.Response{Status: sandbox.StatusSuccess, RunResult: sandbox.RunResult{Stdout: "wrong"}}, nil
		}),
		Prompts: testStore(t),
	}
	_, err := s.Synthesize(context.Background(), "When was X born?", "1924")
	require.Error(t, err)
	assert.Equal(t, OuterMaxRetries, runs)
}

func TestSynthesizeFailsWhenComplexityScalingExhausted(t *testing.T) {
	base := synthChat(t, `birth_year_lookup(person="X")`)
	runs := 0
	s := &Synthesizer{
		Chat: chatFunc(func(prompt string) (string, error) {
			if strings.Contains(prompt, "richer") {
				return "not json", nil
			}
			return base(prompt)
		}),
		Sandbox: sandboxFunc(func(code string) (*sandbox.Response, error) {
			runs++
			return &sandbox.Response{Status: sandbox.StatusSuccess, RunResult: sandbox.RunResult{Stdout: "1924"}}, nil
		}),
		Prompts: testStore(t),
	}
	_, err := s.Synthesize(context.Background(), "When was X born?", "1924")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "complexity scaling")
	assert.Zero(t, runs, "no tool may be deployed from the unrefined doc")
}

func TestSynthesizeRecordSkipsUnnecessarySteps(t *testing.T) {
	rec := sampleRecord()
	rec.Trace[2].ToolNecessity = boolPtr(false)
	rec.Trace[0].ToolNecessity = boolPtr(true)
	rec.Trace[1].ToolNecessity = boolPtr(true)

	s := &Synthesizer{
		Chat:    synthChat(t, `birth_year_lookup(person="X")`),
		Sandbox: passSandbox("1924 Paris"),
		Prompts: testStore(t),
	}
	s.SynthesizeRecord(context.Background(), rec)

	require.Contains(t, rec.EnvResults, "s3")
	assert.Nil(t, rec.EnvResults["s3"])
	require.NotNil(t, rec.EnvResults["s1"])
	require.NotNil(t, rec.EnvResults["s2"])
	// non-leaf step question carries its dependency's QA pair
	assert.Contains(t, rec.EnvResults["s2"].Question, "Additional Information")
	assert.Contains(t, rec.EnvResults["s2"].Question, "1924")
}

func TestValidateCallStatement(t *testing.T) {
	doc := &record.ToolDocument{Name: "f"}
	assert.NoError(t, ValidateCallStatement(`f(a=1)`, doc))
	assert.Error(t, ValidateCallStatement(`g(a=1)`, doc))
	assert.Error(t, ValidateCallStatement("f(a=1)\nf(a=2)", doc))
	assert.Error(t, ValidateCallStatement(`f(url="http://x")`, doc))
}

// --- merge engine ---

func envResultFor(question, answer, name string) *record.EnvResult {
	return &record.EnvResult{
		Question: question,
		Answer:   answer,
		EnvSynthesisResult: record.EnvSynthesisResult{
			Data: record.EnvSynthesisData{
				ToolDocument: record.ToolDocument{
					Name:        name,
					Description: "d",
					Parameters: record.ToolParameters{
						Type:       "object",
						Properties: map[string]any{"q": map[string]any{"type": "string"}},
					},
				},
				ToolCallStatement: name + `(q="x")`,
				Code:              "def " + name + "(q):\n    return 'old'",
				ToolCallAns:       answer,
			},
		},
	}
}

func mergeChat(t *testing.T, clustersJSON string) chatFunc {
	return chatFunc(func(prompt string) (string, error) {
		switch {
		case strings.Contains(prompt, "Group them by shared intent"):
			return clustersJSON, nil
		case strings.Contains(prompt, "Modify ONLY the mock/static data"):
			return `{"code": "def lookup(q):\n    return {'a':'1924','b':'Paris'}[q]", "analysis": "patched"}`, nil
		case strings.Contains(prompt, "single-line call expression"):
			if strings.Contains(prompt, "Expected answer: 1924") {
				return `{"call": "lookup(q=\"a\")", "analysis": "m"}`, nil
			}
			return `{"call": "lookup(q=\"b\")", "analysis": "m"}`, nil
		default:
			return "", fmt.Errorf("unexpected prompt: %.60s", prompt)
		}
	})
}

func mergeSandbox() sandboxFunc {
	return func(code string) (*sandbox.Response, error) {
		stdout := "Paris"
		if strings.Contains(code, `q="a"`) {
			stdout = "1924"
		}
		return &sandbox.Response{Status: sandbox.StatusSuccess, RunResult: sandbox.RunResult{Stdout: stdout}}, nil
	}
}

func mergeRecordFixture() *record.DecompositionRecord {
	rec := sampleRecord()
	rec.EnvResults = map[string]*record.EnvResult{
		"s1": envResultFor("When was X born?", "1924", "lookup"),
		"s2": envResultFor("Which city hosted 1924?", "Paris", "lookup"),
		"s3": nil,
	}
	return rec
}

func TestMergeRecordSuccess(t *testing.T) {
	rec := mergeRecordFixture()
	m := &MergeEngine{
		Chat:    mergeChat(t, `{"clusters":[{"intent_summary":"lookups","_uuids":["s1","s2"],"reason":"same shape"}]}`),
		Sandbox: mergeSandbox(),
		Prompts: testStore(t),
	}
	out, err := m.MergeRecord(context.Background(), rec)
	require.NoError(t, err)
	require.NotNil(t, out)

	require.Len(t, out.MergeInfo, 1)
	assert.Equal(t, MergeSuccess, out.MergeInfo[0].Status)
	assert.Equal(t, 2, out.MergeInfo[0].Verification.PassedCount)

	for _, uuid := range []string{"s1", "s2"} {
		res := out.EnvResults[uuid]
		require.NotNil(t, res)
		assert.True(t, res.MergeFlag)
		assert.Contains(t, res.EnvSynthesisResult.Data.Code, "{'a':'1924','b':'Paris'}")
	}
	assert.Equal(t, `lookup(q="a")`, out.EnvResults["s1"].EnvSynthesisResult.Data.ToolCallStatement)
}

func TestMergeZeroPassIsPartialSuccess(t *testing.T) {
	rec := mergeRecordFixture()
	m := &MergeEngine{
		Chat: mergeChat(t, `{"clusters":[{"intent_summary":"lookups","_uuids":["s1","s2"],"reason":"same shape"}]}`),
		Sandbox: sandboxFunc(func(code string) (*sandbox.Response, error) {
			return &sandbox.Response{Status: sandbox.StatusSuccess, RunResult: sandbox.RunResult{Stdout: "nothing useful"}}, nil
		}),
		Prompts: testStore(t),
	}
	out, err := m.MergeRecord(context.Background(), rec)
	require.NoError(t, err)
	require.NotNil(t, out)

	require.Len(t, out.MergeInfo, 1)
	assert.Equal(t, MergePartialSuccess, out.MergeInfo[0].Status)
	assert.Equal(t, 0, out.MergeInfo[0].Verification.PassedCount)
	assert.NotEmpty(t, out.MergeInfo[0].MergedCode)
	// members keep their per-step implementations
	assert.False(t, out.EnvResults["s1"].MergeFlag)
}

func TestMergeFailedWhenNoAttemptCompletes(t *testing.T) {
	rec := mergeRecordFixture()
	m := &MergeEngine{
		Chat: chatFunc(func(prompt string) (string, error) {
			if strings.Contains(prompt, "Group them by shared intent") {
				return `{"clusters":[{"intent_summary":"lookups","_uuids":["s1","s2"]}]}`, nil
			}
			return "", fmt.Errorf("model down")
		}),
		Sandbox: mergeSandbox(),
		Prompts: testStore(t),
	}
	out, err := m.MergeRecord(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, out.MergeInfo, 1)
	assert.Equal(t, MergeFailed, out.MergeInfo[0].Status)
	assert.Equal(t, -1, out.MergeInfo[0].Verification.PassedCount)
}

func TestMergeRecordSingletonPassThrough(t *testing.T) {
	rec := mergeRecordFixture()
	m := &MergeEngine{
		Chat:    mergeChat(t, `{"clusters":[{"intent_summary":"a","_uuids":["s1"]},{"intent_summary":"b","_uuids":["s2"]}]}`),
		Sandbox: mergeSandbox(),
		Prompts: testStore(t),
	}
	out, err := m.MergeRecord(context.Background(), rec)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Empty(t, out.MergeInfo)
	assert.False(t, out.EnvResults["s1"].MergeFlag)
}

func TestMergeRecordUnparseableClustersPassThrough(t *testing.T) {
	rec := mergeRecordFixture()
	m := &MergeEngine{
		Chat: chatFunc(func(prompt string) (string, error) {
			if strings.Contains(prompt, "Group them by shared intent") {
				return "no json here", nil
			}
			return "", fmt.Errorf("unexpected prompt")
		}),
		Sandbox: mergeSandbox(),
		Prompts: testStore(t),
	}
	out, err := m.MergeRecord(context.Background(), rec)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Empty(t, out.MergeInfo)
}

func TestMergeRecordTooFewToolsUntouched(t *testing.T) {
	rec := sampleRecord()
	rec.EnvResults = map[string]*record.EnvResult{
		"s1": envResultFor("q", "a", "lookup"),
		"s2": nil,
	}
	m := &MergeEngine{
		Chat: chatFunc(func(prompt string) (string, error) {
			return "", fmt.Errorf("must not be called")
		}),
		Sandbox: mergeSandbox(),
		Prompts: testStore(t),
	}
	out, err := m.MergeRecord(context.Background(), rec)
	require.NoError(t, err)
	assert.Same(t, rec, out)
}
