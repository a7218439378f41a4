package eval_test

import (
	"context"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hsn0918/bookrag/internal/chunk"
	"github.com/hsn0918/bookrag/internal/eval"
	"github.com/hsn0918/bookrag/pkg/clients/base"
	"github.com/hsn0918/bookrag/pkg/clients/openai"
	"github.com/hsn0918/bookrag/pkg/prompts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedSource drives math/rand with a constant so pairing decisions are
// forced one way or the other.
type fixedSource struct{ v int64 }

func (s fixedSource) Int63() int64 { return s.v }
func (s fixedSource) Seed(int64)   {}

func alwaysPair() *rand.Rand { return rand.New(fixedSource{v: 0}) }
func neverPair() *rand.Rand  { return rand.New(fixedSource{v: 1 << 62}) }

// testGenLLM replies with well-formed question JSON unless the passage
// carries a BROKEN marker.
type testGenLLM struct {
	calls int
	err   error
}

func (g *testGenLLM) Call(_ context.Context, messages []openai.Message) (string, error) {
	g.calls++
	if g.err != nil {
		return "", g.err
	}
	user := messages[len(messages)-1].Content
	if strings.Contains(user, "BROKEN") {
		return "this is not json at all", nil
	}
	return `Here you go: {"question": "What does the passage explain?", "ground_truth": "It explains the topic."}`, nil
}

func (g *testGenLLM) Stream(ctx context.Context, messages []openai.Message, onFragment func(string) error) error {
	reply, err := g.Call(ctx, messages)
	if err != nil {
		return err
	}
	return onFragment(reply)
}

func segments(texts ...string) []chunk.Segment {
	out := make([]chunk.Segment, len(texts))
	for i, text := range texts {
		out[i] = chunk.Segment{
			ID: "p#" + string(rune('a'+i)), Kind: chunk.KindChild,
			ParentID: "p", ParentIndex: 0, ChildIndex: i, Text: text,
		}
	}
	return out
}

func TestGenerateSingles(t *testing.T) {
	gen := &testGenLLM{}
	tsg := eval.NewTestSetGenerator(gen, prompts.NewManager(), neverPair())

	segs := segments("first passage text", "second passage text", "third passage text")
	questions, err := tsg.Generate(context.Background(), segs, -1)
	require.NoError(t, err)

	require.Len(t, questions, 3)
	assert.Equal(t, 3, gen.calls)
	for i, q := range questions {
		assert.Equal(t, "What does the passage explain?", q.Question)
		assert.Equal(t, "It explains the topic.", q.GroundTruth)
		assert.Equal(t, segs[i].Text, q.SourceSegment)
		assert.Equal(t, segs[i].Key(), q.SegmentID)
	}
}

func TestGeneratePairsConsumeNextSegment(t *testing.T) {
	gen := &testGenLLM{}
	tsg := eval.NewTestSetGenerator(gen, prompts.NewManager(), alwaysPair())

	segs := segments("first passage", "second passage", "third passage", "fourth passage")
	questions, err := tsg.Generate(context.Background(), segs, -1)
	require.NoError(t, err)

	require.Len(t, questions, 2)
	assert.Contains(t, questions[0].SourceSegment, "first passage")
	assert.Contains(t, questions[0].SourceSegment, "second passage")
	assert.Equal(t, segs[0].Key(), questions[0].SegmentID)
	assert.Contains(t, questions[1].SourceSegment, "third passage")
	assert.Contains(t, questions[1].SourceSegment, "fourth passage")
}

func TestGenerateDropsMalformedSamples(t *testing.T) {
	gen := &testGenLLM{}
	tsg := eval.NewTestSetGenerator(gen, prompts.NewManager(), neverPair())

	segs := segments("good passage", "BROKEN passage", "another good passage")
	questions, err := tsg.Generate(context.Background(), segs, -1)
	require.NoError(t, err)

	assert.Len(t, questions, 2, "malformed generator output drops that sample only")
}

func TestGenerateAbortsOnRateLimit(t *testing.T) {
	gen := &testGenLLM{err: base.NewHTTPError("openai", "POST /chat/completions", 429, "slow down")}
	tsg := eval.NewTestSetGenerator(gen, prompts.NewManager(), neverPair())

	_, err := tsg.Generate(context.Background(), segments("one passage"), -1)
	require.Error(t, err)
	assert.True(t, base.IsRateLimited(err))
}

func TestGenerateEmptySegments(t *testing.T) {
	tsg := eval.NewTestSetGenerator(&testGenLLM{}, prompts.NewManager(), neverPair())
	_, err := tsg.Generate(context.Background(), nil, 5)
	assert.ErrorIs(t, err, eval.ErrNoSegments)
}

func TestSaveAndLoadTestSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test-set.json")
	questions := []eval.TestQuestion{
		{Question: "Q1?", GroundTruth: "A1", SourceSegment: "S1", SegmentID: "p#0"},
		{Question: "Q2?", GroundTruth: "A2", SourceSegment: "S2", SegmentID: "p#1"},
	}

	require.NoError(t, eval.SaveTestSet(path, questions))
	loaded, err := eval.LoadTestSet(path)
	require.NoError(t, err)
	assert.Equal(t, questions, loaded)
}
