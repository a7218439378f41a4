// Package answer assembles the augmented prompt from retrieved passages and
// the rolling dialogue memory, and drives the generator's output back to the
// caller. Memory is scoped per logical session and mutated only after a
// completed generation.
package answer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hsn0918/bookrag/internal/index"
	"github.com/hsn0918/bookrag/internal/retrieve"
	"github.com/hsn0918/bookrag/pkg/clients/openai"
	"github.com/hsn0918/bookrag/pkg/logger"
	"github.com/hsn0918/bookrag/pkg/prompts"
	"go.uber.org/zap"
)

// ErrEmptyQuery is returned for an empty user turn.
var ErrEmptyQuery = errors.New("answer: empty query")

// DefaultSession is the session id used when the caller does not name one.
const DefaultSession = "default"

// Answerer owns dialogue memory and drives retrieval plus generation for
// each user turn.
type Answerer struct {
	retriever *retrieve.Retriever
	gen       openai.Generator
	pm        *prompts.Manager

	mu       sync.Mutex
	sessions map[string]*memory
}

// New creates an answerer.
func New(retriever *retrieve.Retriever, gen openai.Generator, pm *prompts.Manager) *Answerer {
	return &Answerer{
		retriever: retriever,
		gen:       gen,
		pm:        pm,
		sessions:  make(map[string]*memory),
	}
}

// session returns the memory for a session id, creating it on first use.
func (a *Answerer) session(id string) *memory {
	if id == "" {
		id = DefaultSession
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	m, ok := a.sessions[id]
	if !ok {
		m = &memory{}
		a.sessions[id] = m
	}
	return m
}

// ClearSession drops the dialogue memory of a session.
func (a *Answerer) ClearSession(id string) {
	if id == "" {
		id = DefaultSession
	}

	a.mu.Lock()
	m, ok := a.sessions[id]
	a.mu.Unlock()

	if ok {
		m.clear()
	}
}

// Answer runs one blocking user turn: retrieve, prompt, generate. On success
// the exchange is recorded in session memory; on error memory is untouched.
func (a *Answerer) Answer(ctx context.Context, sessionID, query string) (string, []index.SearchResult, error) {
	return a.run(ctx, sessionID, query, nil)
}

// AnswerStream runs one user turn, delivering generation fragments through
// onFragment as they arrive. The accumulated completion is returned and
// recorded in session memory only after the stream completes successfully.
func (a *Answerer) AnswerStream(ctx context.Context, sessionID, query string, onFragment func(string) error) (string, []index.SearchResult, error) {
	return a.run(ctx, sessionID, query, onFragment)
}

func (a *Answerer) run(ctx context.Context, sessionID, query string, onFragment func(string) error) (string, []index.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", nil, ErrEmptyQuery
	}

	passages, err := a.retriever.Retrieve(ctx, query)
	if err != nil && !errors.Is(err, retrieve.ErrRetrievalFailed) {
		return "", nil, err
	}
	if errors.Is(err, retrieve.ErrRetrievalFailed) {
		logger.Get().Warn("retrieval produced no passages, answering without sources",
			zap.String("query", query))
	}

	mem := a.session(sessionID)
	messages := a.buildMessages(passages, mem.snapshot(), query)

	var completion string
	if onFragment == nil {
		completion, err = a.gen.Call(ctx, messages)
	} else {
		var b strings.Builder
		err = a.gen.Stream(ctx, messages, func(fragment string) error {
			b.WriteString(fragment)
			return onFragment(fragment)
		})
		completion = b.String()
	}
	if err != nil {
		return "", passages, err
	}

	mem.record(query, completion)

	logger.Get().Info("answer completed",
		zap.String("session", sessionID),
		zap.Int("sources", len(passages)),
		zap.Int("answer_length", len(completion)),
	)

	return completion, passages, nil
}

// buildMessages assembles [system, ...memory, user]. The system message
// states the assistant's role, demands grounded answering with Item/Chapter
// citations, and appends each passage under a structural source label.
func (a *Answerer) buildMessages(passages []index.SearchResult, history []Turn, query string) []openai.Message {
	prompt := a.pm.Get(prompts.PromptTypeAnswer)

	messages := []openai.Message{
		{Role: openai.RoleSystem, Content: fmt.Sprintf(prompt.System, SourcesBlock(passages))},
	}
	for _, turn := range history {
		if turn.Role != openai.RoleUser && turn.Role != openai.RoleAssistant {
			continue
		}
		messages = append(messages, openai.Message{Role: turn.Role, Content: turn.Text})
	}
	messages = append(messages, openai.Message{Role: openai.RoleUser, Content: query})

	return messages
}

// SourcesBlock renders the retrieved passages as labelled source sections.
// Passages with structural metadata are labelled by it; the rest fall back
// to their ordinal.
func SourcesBlock(passages []index.SearchResult) string {
	if len(passages) == 0 {
		return "No source passages were retrieved for this question."
	}

	var b strings.Builder
	for i, p := range passages {
		label := p.Segment.Meta.Label()
		if label == "" {
			label = fmt.Sprintf("%d", i+1)
		}
		fmt.Fprintf(&b, "[Source %d: %s]\n%s\n\n", i+1, label, p.Segment.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}
