// Package prompts manages the LLM prompts and templates used across the
// retrieval pipeline, the answerer, and the evaluation harness.
//
// Prompts are kept in one place so the wording that drives retrieval quality
// can be reviewed and tuned without touching pipeline code.
package prompts

import (
	"fmt"
)

// PromptType represents different types of prompts used in the system.
type PromptType string

const (
	// PromptTypeTranslation normalises a non-English query into English
	// search keywords.
	PromptTypeTranslation PromptType = "translation"
	// PromptTypeStepBack abstracts a query into a higher-level question.
	PromptTypeStepBack PromptType = "step_back"
	// PromptTypeHyde produces a hypothetical answer passage for embedding.
	PromptTypeHyde PromptType = "hyde"
	// PromptTypeAnswer is the grounded answering system prompt.
	PromptTypeAnswer PromptType = "answer"
	// PromptTypeJudge scores an answer for faithfulness and relevance.
	PromptTypeJudge PromptType = "judge"
	// PromptTypeTestSingle synthesises a question from one passage.
	PromptTypeTestSingle PromptType = "test_single"
	// PromptTypeTestPair synthesises a question spanning two passages.
	PromptTypeTestPair PromptType = "test_pair"
)

// Prompt represents a reusable prompt template.
type Prompt struct {
	Type         PromptType
	Name         string
	System       string
	UserTemplate string
}

// RenderUser fills the user template with the given arguments.
func (p *Prompt) RenderUser(args ...interface{}) string {
	return fmt.Sprintf(p.UserTemplate, args...)
}

// Manager holds all prompt templates.
type Manager struct {
	prompts map[PromptType]*Prompt
}

// NewManager creates a new prompt manager with the default prompt set.
func NewManager() *Manager {
	m := &Manager{
		prompts: make(map[PromptType]*Prompt),
	}
	m.initializeDefaultPrompts()
	return m
}

// Get returns the prompt registered for the given type, or nil.
func (m *Manager) Get(t PromptType) *Prompt {
	return m.prompts[t]
}

// initializeDefaultPrompts loads all default prompts.
func (m *Manager) initializeDefaultPrompts() {
	m.prompts[PromptTypeTranslation] = &Prompt{
		Type:   PromptTypeTranslation,
		Name:   "translation_v1",
		System: "You translate user questions into English search keywords. Reply with the English form of the question only, suitable for keyword search. No explanations, no quotation marks, no extra text.",
		UserTemplate: `Translate the following question into English search keywords:

%s`,
	}

	m.prompts[PromptTypeStepBack] = &Prompt{
		Type:   PromptTypeStepBack,
		Name:   "step_back_v1",
		System: "You reformulate specific technical questions into a single broader, more conceptual question about the same topic. Reply with the question only. No explanations, no quotation marks.",
		UserTemplate: `Produce one higher-level conceptual question related to:

%s`,
	}

	m.prompts[PromptTypeHyde] = &Prompt{
		Type:   PromptTypeHyde,
		Name:   "hyde_v1",
		System: "You write short hypothetical passages from a technical reference book. Given a question, write 2-3 sentences that could plausibly answer it, in the book's precise, didactic style. Write the passage only. No preamble, no quotation marks.",
		UserTemplate: `Question: %s

Write the passage now.`,
	}

	m.prompts[PromptTypeAnswer] = &Prompt{
		Type: PromptTypeAnswer,
		Name: "answer_v1",
		System: `You are an assistant answering questions about a technical reference book. Ground every statement in the source passages provided below; do not invent material that is not supported by them. When a passage carries an Item or Chapter label, cite it (for example "as Item 17 advises"). If the passages do not contain the answer, say so.

%s`,
		UserTemplate: "%s",
	}

	m.prompts[PromptTypeJudge] = &Prompt{
		Type: PromptTypeJudge,
		Name: "judge_v1",
		System: `You are an evaluation judge for a question answering system. Given a question, source passages, and an answer, score the answer on two axes in [0,1]:
- faithfulness: is every claim in the answer supported by the source passages?
- relevance: does the answer address the question asked?

Respond with a single JSON object and nothing else:
{"faithfulness": <number>, "relevance": <number>, "reasoning": "<one sentence>"}`,
		UserTemplate: `Question:
%s

Source passages:
%s

Answer:
%s`,
	}

	m.prompts[PromptTypeTestSingle] = &Prompt{
		Type: PromptTypeTestSingle,
		Name: "test_single_v1",
		System: `You generate evaluation data for a question answering system over a technical book. Given a passage, produce one specific question that the passage answers, plus the ground-truth answer.

Respond with a single JSON object and nothing else:
{"question": "<question>", "ground_truth": "<answer>"}`,
		UserTemplate: `Passage:
%s`,
	}

	m.prompts[PromptTypeTestPair] = &Prompt{
		Type: PromptTypeTestPair,
		Name: "test_pair_v1",
		System: `You generate evaluation data for a question answering system over a technical book. Given two related passages, produce one question whose answer requires information from BOTH passages, plus the ground-truth answer.

Respond with a single JSON object and nothing else:
{"question": "<question>", "ground_truth": "<answer>"}`,
		UserTemplate: `Passage A:
%s

Passage B:
%s`,
	}
}
