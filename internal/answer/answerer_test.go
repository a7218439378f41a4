package answer_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/hsn0918/bookrag/internal/answer"
	"github.com/hsn0918/bookrag/internal/chunk"
	"github.com/hsn0918/bookrag/internal/expand"
	"github.com/hsn0918/bookrag/internal/index"
	"github.com/hsn0918/bookrag/internal/retrieve"
	"github.com/hsn0918/bookrag/pkg/clients/openai"
	"github.com/hsn0918/bookrag/pkg/prompts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticSearcher returns one fixed child for every vector search.
type staticSearcher struct {
	parent chunk.Segment
	child  chunk.Segment
}

func (s *staticSearcher) VectorSearch(_ context.Context, _ []float32, _ int) ([]index.SearchResult, error) {
	return []index.SearchResult{{Segment: s.child, Score: 0.9}}, nil
}

func (s *staticSearcher) LexicalSearch(_ context.Context, _ string, _ int) ([]index.SearchResult, error) {
	return nil, nil
}

func (s *staticSearcher) ParentOf(c chunk.Segment) (chunk.Segment, bool) {
	if c.ParentID == s.parent.ID {
		return s.parent, true
	}
	return chunk.Segment{}, false
}

type staticEmbedder struct{}

func (staticEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func (staticEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

// capturingGenerator records every message list and replies with a fixed
// completion, optionally failing or streaming in fragments.
type capturingGenerator struct {
	messages  [][]openai.Message
	reply     string
	fragments []string
	err       error
}

func (g *capturingGenerator) Call(_ context.Context, messages []openai.Message) (string, error) {
	g.messages = append(g.messages, messages)
	if g.err != nil {
		return "", g.err
	}
	return g.reply, nil
}

func (g *capturingGenerator) Stream(_ context.Context, messages []openai.Message, onFragment func(string) error) error {
	g.messages = append(g.messages, messages)
	if g.err != nil {
		return g.err
	}
	for _, f := range g.fragments {
		if err := onFragment(f); err != nil {
			return err
		}
	}
	return nil
}

func newAnswerer(gen *capturingGenerator) *answer.Answerer {
	parent := chunk.Segment{
		ID:          "p-0",
		Kind:        chunk.KindParent,
		Text:        "Item 3: Enforce the singleton property with a private constructor or an enum type.",
		ParentIndex: 0,
		Meta:        chunk.Metadata{ItemID: "3", ItemLabel: "Item 3"},
	}
	child := chunk.Segment{
		ID: "p-0#0", Kind: chunk.KindChild, ParentID: "p-0",
		Text: "Enforce the singleton property", Meta: parent.Meta,
	}

	searcher := &staticSearcher{parent: parent, child: child}
	pm := prompts.NewManager()
	expander := expand.NewExpander(gen, pm, false, false)
	retriever := retrieve.New(retrieve.Config{
		HybridSearch: false, RRFK: 60, Candidates: 20, TopParents: 5,
	}, searcher, staticEmbedder{}, expander)

	return answer.New(retriever, gen, pm)
}

func TestAnswerEmptyQuery(t *testing.T) {
	a := newAnswerer(&capturingGenerator{reply: "x"})

	_, _, err := a.Answer(context.Background(), "s", "  ")
	assert.ErrorIs(t, err, answer.ErrEmptyQuery)
}

func TestAnswerSystemPromptCarriesSources(t *testing.T) {
	gen := &capturingGenerator{reply: "Use a single-element enum, as Item 3 advises."}
	a := newAnswerer(gen)

	completion, passages, err := a.Answer(context.Background(), "s", "What is the preferred way to create singletons?")
	require.NoError(t, err)

	assert.Equal(t, "Use a single-element enum, as Item 3 advises.", completion)
	require.Len(t, passages, 1)
	assert.Equal(t, "3", passages[0].Segment.Meta.ItemID)

	require.NotEmpty(t, gen.messages)
	system := gen.messages[len(gen.messages)-1][0]
	assert.Equal(t, openai.RoleSystem, system.Role)
	assert.Contains(t, system.Content, "Source 1: Item 3")
	assert.Contains(t, system.Content, "Enforce the singleton property")
}

func TestAnswerRecordsDialogueMemory(t *testing.T) {
	gen := &capturingGenerator{reply: "answer text"}
	a := newAnswerer(gen)

	_, _, err := a.Answer(context.Background(), "s", "first question?")
	require.NoError(t, err)
	_, _, err = a.Answer(context.Background(), "s", "second question?")
	require.NoError(t, err)

	// The second call's message list carries the first exchange.
	last := gen.messages[len(gen.messages)-1]
	var roles []string
	var texts []string
	for _, m := range last {
		roles = append(roles, m.Role)
		texts = append(texts, m.Content)
	}
	assert.Equal(t, []string{openai.RoleSystem, openai.RoleUser, openai.RoleAssistant, openai.RoleUser}, roles)
	assert.Equal(t, "first question?", texts[1])
	assert.Equal(t, "answer text", texts[2])
	assert.Equal(t, "second question?", texts[3])
}

func TestAnswerMemoryEvictsOldestBeyondCapacity(t *testing.T) {
	gen := &capturingGenerator{reply: "ok"}
	a := newAnswerer(gen)

	for i := 0; i < 8; i++ {
		_, _, err := a.Answer(context.Background(), "s", fmt.Sprintf("question number %d?", i))
		require.NoError(t, err)
	}

	// Capacity is 10 turns: system + 10 remembered + current user = 12.
	last := gen.messages[len(gen.messages)-1]
	assert.Len(t, last, 12)

	// The oldest exchanges are gone; the window starts at question 2.
	assert.Equal(t, "question number 2?", last[1].Content)
}

func TestAnswerSessionsAreIsolated(t *testing.T) {
	gen := &capturingGenerator{reply: "ok"}
	a := newAnswerer(gen)

	_, _, err := a.Answer(context.Background(), "alpha", "alpha question?")
	require.NoError(t, err)
	_, _, err = a.Answer(context.Background(), "beta", "beta question?")
	require.NoError(t, err)

	// Beta's prompt must not carry alpha's history.
	last := gen.messages[len(gen.messages)-1]
	assert.Len(t, last, 2)
}

func TestAnswerClearSession(t *testing.T) {
	gen := &capturingGenerator{reply: "ok"}
	a := newAnswerer(gen)

	_, _, err := a.Answer(context.Background(), "s", "before clearing?")
	require.NoError(t, err)

	a.ClearSession("s")

	_, _, err = a.Answer(context.Background(), "s", "after clearing?")
	require.NoError(t, err)

	last := gen.messages[len(gen.messages)-1]
	assert.Len(t, last, 2, "cleared session must start with empty memory")
}

func TestAnswerGeneratorErrorLeavesMemoryUntouched(t *testing.T) {
	gen := &capturingGenerator{reply: "ok"}
	a := newAnswerer(gen)

	_, _, err := a.Answer(context.Background(), "s", "remembered question?")
	require.NoError(t, err)

	gen.err = errors.New("upstream exploded")
	_, _, err = a.Answer(context.Background(), "s", "failing question?")
	require.Error(t, err)

	gen.err = nil
	_, _, err = a.Answer(context.Background(), "s", "third question?")
	require.NoError(t, err)

	// Memory holds only the first successful exchange, not the failed turn.
	last := gen.messages[len(gen.messages)-1]
	require.Len(t, last, 4)
	assert.Equal(t, "remembered question?", last[1].Content)
	assert.NotContains(t, strings.Join([]string{last[1].Content, last[2].Content}, " "), "failing")
}

func TestAnswerStreamAccumulatesFragments(t *testing.T) {
	gen := &capturingGenerator{fragments: []string{"Use ", "an ", "enum."}}
	a := newAnswerer(gen)

	var received []string
	completion, _, err := a.AnswerStream(context.Background(), "s", "How to build singletons?", func(f string) error {
		received = append(received, f)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Use ", "an ", "enum."}, received)
	assert.Equal(t, "Use an enum.", completion)
}
