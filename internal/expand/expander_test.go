package expand_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/hsn0918/bookrag/internal/expand"
	"github.com/hsn0918/bookrag/pkg/clients/openai"
	"github.com/hsn0918/bookrag/pkg/prompts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedGenerator answers each call by keyword-matching the system prompt,
// recording every call for assertions.
type scriptedGenerator struct {
	calls     []string
	translate string
	stepBack  string
	hyde      string
	failWith  map[string]error
}

func (g *scriptedGenerator) kind(messages []openai.Message) string {
	system := messages[0].Content
	switch {
	case strings.Contains(system, "translate"):
		return "translate"
	case strings.Contains(system, "broader"):
		return "stepback"
	case strings.Contains(system, "hypothetical"):
		return "hyde"
	default:
		return "other"
	}
}

func (g *scriptedGenerator) Call(_ context.Context, messages []openai.Message) (string, error) {
	kind := g.kind(messages)
	g.calls = append(g.calls, kind)

	if err := g.failWith[kind]; err != nil {
		return "", err
	}

	switch kind {
	case "translate":
		return g.translate, nil
	case "stepback":
		return g.stepBack, nil
	case "hyde":
		return g.hyde, nil
	}
	return "", nil
}

func (g *scriptedGenerator) Stream(ctx context.Context, messages []openai.Message, onFragment func(string) error) error {
	reply, err := g.Call(ctx, messages)
	if err != nil {
		return err
	}
	return onFragment(reply)
}

func (g *scriptedGenerator) count(kind string) int {
	n := 0
	for _, c := range g.calls {
		if c == kind {
			n++
		}
	}
	return n
}

func newGen() *scriptedGenerator {
	return &scriptedGenerator{
		translate: `"best way to implement a singleton"`,
		stepBack:  `"What are the object creation patterns?"`,
		hyde:      "The preferred approach is a single-element enum. It is concise and serialization-safe.",
		failWith:  map[string]error{},
	}
}

func TestExpandEnglishQuerySkipsTranslation(t *testing.T) {
	gen := newGen()
	expander := expand.NewExpander(gen, prompts.NewManager(), true, true)

	exp, err := expander.Expand(context.Background(), "What is the preferred way to create singletons?")
	require.NoError(t, err)

	assert.Equal(t, "What is the preferred way to create singletons?", exp.English)
	assert.False(t, exp.Translated)
	assert.Zero(t, gen.count("translate"))
	assert.Equal(t, 1, gen.count("stepback"))
	assert.Equal(t, 2, gen.count("hyde"))
}

func TestExpandNonEnglishQueryTranslatesOnce(t *testing.T) {
	gen := newGen()
	expander := expand.NewExpander(gen, prompts.NewManager(), true, true)

	exp, err := expander.Expand(context.Background(), "单例模式的最佳实现是什么?")
	require.NoError(t, err)

	assert.Equal(t, 1, gen.count("translate"))
	assert.Equal(t, "best way to implement a singleton", exp.English, "quotes must be stripped")
	assert.True(t, exp.Translated)
}

func TestExpandTranslationFailureFallsBack(t *testing.T) {
	gen := newGen()
	gen.failWith["translate"] = errors.New("upstream down")
	expander := expand.NewExpander(gen, prompts.NewManager(), false, false)

	exp, err := expander.Expand(context.Background(), "单例模式的最佳实现是什么?")
	require.NoError(t, err)
	assert.Equal(t, "单例模式的最佳实现是什么?", exp.English)
	assert.False(t, exp.Translated)
}

func TestExpandStepBackFailureSkipsBranch(t *testing.T) {
	gen := newGen()
	gen.failWith["stepback"] = errors.New("boom")
	expander := expand.NewExpander(gen, prompts.NewManager(), true, true)

	exp, err := expander.Expand(context.Background(), "How should equals be overridden?")
	require.NoError(t, err)

	assert.Empty(t, exp.StepBack)
	// HyDE runs for the English query only when the step-back branch is gone.
	assert.Equal(t, 1, gen.count("hyde"))
}

func TestExpandHydeFailureFallsBackToQuery(t *testing.T) {
	gen := newGen()
	gen.failWith["hyde"] = errors.New("boom")
	expander := expand.NewExpander(gen, prompts.NewManager(), false, true)

	exp, err := expander.Expand(context.Background(), "How should equals be overridden?")
	require.NoError(t, err)
	assert.Equal(t, exp.English, exp.HydeEnglish)
}

func TestExpandDisabledFeaturesMakeNoCalls(t *testing.T) {
	gen := newGen()
	expander := expand.NewExpander(gen, prompts.NewManager(), false, false)

	exp, err := expander.Expand(context.Background(), "How should equals be overridden?")
	require.NoError(t, err)

	assert.Empty(t, gen.calls)
	assert.Empty(t, exp.StepBack)
	assert.Equal(t, exp.English, exp.HydeEnglish)
}

func TestExpandStepBackStripsQuotes(t *testing.T) {
	gen := newGen()
	expander := expand.NewExpander(gen, prompts.NewManager(), true, false)

	exp, err := expander.Expand(context.Background(), "How should equals be overridden?")
	require.NoError(t, err)
	assert.Equal(t, "What are the object creation patterns?", exp.StepBack)
}

func TestExpandCancellation(t *testing.T) {
	gen := newGen()
	gen.failWith["stepback"] = context.Canceled
	expander := expand.NewExpander(gen, prompts.NewManager(), true, true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := expander.Expand(ctx, "How should equals be overridden?")
	assert.ErrorIs(t, err, context.Canceled)
}
