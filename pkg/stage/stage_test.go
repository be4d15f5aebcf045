package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	ID    string `json:"id"`
	Value int    `json:"value"`
	Error string `json:"error,omitempty"`
}

func itemKey(in item) string { return in.ID }

func itemKeyFromLine(line []byte) (string, bool) {
	var out item
	if err := json.Unmarshal(line, &out); err != nil {
		return "", false
	}
	return out.ID, true
}

func testOpts(t *testing.T, name string) (Options[item], string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.jsonl")
	return Options[item]{
		Name:        name,
		OutputPath:  path,
		Append:      true,
		Concurrency: 3,
		Key:         itemKey,
		KeyFromLine: itemKeyFromLine,
		OnError: func(in item, err error) any {
			in.Error = err.Error()
			return in
		},
	}, path
}

func inputs(n int) []item {
	out := make([]item, n)
	for i := range out {
		out[i] = item{ID: fmt.Sprintf("id-%d", i), Value: i}
	}
	return out
}

func TestRunWritesEveryRecordOnce(t *testing.T) {
	opts, path := testOpts(t, "test_basic")

	report, err := Run(context.Background(), opts, inputs(10), func(ctx context.Context, in item) (any, error) {
		in.Value *= 2
		return in, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 10, report.Processed)
	assert.Equal(t, 10, report.Succeeded)

	lines, err := ReadLines[item](path)
	require.NoError(t, err)
	require.Len(t, lines, 10)
	seen := make(map[string]bool)
	for _, line := range lines {
		assert.False(t, seen[line.ID], "duplicate record %s", line.ID)
		seen[line.ID] = true
	}
}

func TestRunResumeSkipsProcessed(t *testing.T) {
	opts, path := testOpts(t, "test_resume")
	all := inputs(6)

	var firstRun int32
	_, err := Run(context.Background(), opts, all[:3], func(ctx context.Context, in item) (any, error) {
		atomic.AddInt32(&firstRun, 1)
		return in, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), firstRun)

	var secondRun int32
	report, err := Run(context.Background(), opts, all, func(ctx context.Context, in item) (any, error) {
		atomic.AddInt32(&secondRun, 1)
		return in, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), secondRun, "already-processed inputs must not re-run")
	assert.Equal(t, 3, report.Skipped)

	lines, err := ReadLines[item](path)
	require.NoError(t, err)
	assert.Len(t, lines, 6)
}

func TestRunFailedRecordStillWritten(t *testing.T) {
	opts, path := testOpts(t, "test_errors")

	report, err := Run(context.Background(), opts, inputs(4), func(ctx context.Context, in item) (any, error) {
		if in.Value%2 == 1 {
			return nil, fmt.Errorf("boom %d", in.Value)
		}
		return in, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 2, report.Failed)

	lines, err := ReadLines[item](path)
	require.NoError(t, err)
	require.Len(t, lines, 4)

	errored := 0
	for _, line := range lines {
		if line.Error != "" {
			errored++
		}
	}
	assert.Equal(t, 2, errored)

	// a resume run must not re-try the failed ones either
	var reruns int32
	_, err = Run(context.Background(), opts, inputs(4), func(ctx context.Context, in item) (any, error) {
		atomic.AddInt32(&reruns, 1)
		return in, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(0), reruns)
}

func TestRunNilRecordDropped(t *testing.T) {
	opts, path := testOpts(t, "test_drop")

	report, err := Run(context.Background(), opts, inputs(3), func(ctx context.Context, in item) (any, error) {
		if in.Value == 1 {
			return nil, nil
		}
		return in, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Succeeded)

	lines, err := ReadLines[item](path)
	require.NoError(t, err)
	assert.Len(t, lines, 2)
}

func TestRunTruncateMode(t *testing.T) {
	opts, path := testOpts(t, "test_trunc")
	opts.Append = false

	_, err := Run(context.Background(), opts, inputs(2), func(ctx context.Context, in item) (any, error) {
		return in, nil
	})
	require.NoError(t, err)
	_, err = Run(context.Background(), opts, inputs(2), func(ctx context.Context, in item) (any, error) {
		return in, nil
	})
	require.NoError(t, err)

	lines, err := ReadLines[item](path)
	require.NoError(t, err)
	assert.Len(t, lines, 2)
}

func TestScanKeysMissingFile(t *testing.T) {
	keys, err := ScanKeys(filepath.Join(t.TempDir(), "nope.jsonl"), itemKeyFromLine)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestScanKeysIgnoresTornLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	w, err := NewWriter(path, false)
	require.NoError(t, err)
	require.NoError(t, w.Write(item{ID: "good"}))
	require.NoError(t, w.Close())

	f, err := NewWriter(path, true)
	require.NoError(t, err)
	require.NoError(t, f.Write(json.RawMessage(`"not an object"`)))
	require.NoError(t, f.Close())

	keys, err := ScanKeys(path, itemKeyFromLine)
	require.NoError(t, err)
	assert.Contains(t, keys, "good")
	assert.Len(t, keys, 1)
}
