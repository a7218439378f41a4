// Package eval is the evaluation harness: it synthesises a test set from
// indexed segments, drives the full retrieval core against each question,
// and scores the answers with a generator judge plus two intrinsic metrics.
package eval

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/hsn0918/bookrag/internal/chunk"
	"github.com/hsn0918/bookrag/pkg/clients/base"
	"github.com/hsn0918/bookrag/pkg/clients/openai"
	"github.com/hsn0918/bookrag/pkg/logger"
	"github.com/hsn0918/bookrag/pkg/prompts"
	"go.uber.org/zap"
)

// pairProbability is the chance a sample spans two adjacent segments,
// exercising multi-passage retrieval.
const pairProbability = 0.3

// ErrNoSegments is returned when test-set generation has nothing to draw from.
var ErrNoSegments = errors.New("eval: no segments available for test generation")

// TestQuestion is one synthesised question with its ground truth.
type TestQuestion struct {
	Question      string `json:"question"`
	GroundTruth   string `json:"ground_truth"`
	SourceSegment string `json:"source_segment"`
	SegmentID     string `json:"segment_id"`
}

// TestSetGenerator synthesises question/answer pairs from segments.
type TestSetGenerator struct {
	gen openai.Generator
	pm  *prompts.Manager
	rng *rand.Rand
}

// NewTestSetGenerator creates a generator. The rng drives segment pairing
// and is injectable so tests stay deterministic.
func NewTestSetGenerator(gen openai.Generator, pm *prompts.Manager, rng *rand.Rand) *TestSetGenerator {
	return &TestSetGenerator{gen: gen, pm: pm, rng: rng}
}

// Generate synthesises up to n questions from the given child segments; n of
// -1 uses every segment. Malformed generator output drops that sample and
// the run continues. Rate-limit and auth failures abort the run.
func (g *TestSetGenerator) Generate(ctx context.Context, segments []chunk.Segment, n int) ([]TestQuestion, error) {
	if len(segments) == 0 {
		return nil, ErrNoSegments
	}

	chosen := chooseSegments(segments, n)

	var questions []TestQuestion
	for i := 0; i < len(chosen); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		seg := chosen[i]
		paired := g.rng.Float64() < pairProbability && i+1 < len(chosen)

		var question *TestQuestion
		var err error
		if paired {
			question, err = g.synthesisePair(ctx, seg, chosen[i+1])
			i++ // the paired segment is consumed
		} else {
			question, err = g.synthesiseSingle(ctx, seg)
		}

		if err != nil {
			if ctx.Err() != nil || base.IsRateLimited(err) || base.IsUnauthorized(err) {
				return nil, err
			}
			logger.Get().Warn("dropping test sample", zap.String("segment", seg.Key()), zap.Error(err))
			continue
		}
		questions = append(questions, *question)
	}

	logger.Get().Info("test set generated",
		zap.Int("requested", n),
		zap.Int("questions", len(questions)),
	)

	return questions, nil
}

// chooseSegments picks n segments evenly spaced across the document, or all
// of them when n is -1 or exceeds the segment count.
func chooseSegments(segments []chunk.Segment, n int) []chunk.Segment {
	if n <= 0 || n >= len(segments) {
		return segments
	}

	chosen := make([]chunk.Segment, 0, n)
	step := float64(len(segments)) / float64(n)
	for i := 0; i < n; i++ {
		chosen = append(chosen, segments[int(float64(i)*step)])
	}
	return chosen
}

func (g *TestSetGenerator) synthesiseSingle(ctx context.Context, seg chunk.Segment) (*TestQuestion, error) {
	prompt := g.pm.Get(prompts.PromptTypeTestSingle)
	reply, err := g.gen.Call(ctx, []openai.Message{
		{Role: openai.RoleSystem, Content: prompt.System},
		{Role: openai.RoleUser, Content: prompt.RenderUser(seg.Text)},
	})
	if err != nil {
		return nil, err
	}

	parsed, err := parseQuestionJSON(reply)
	if err != nil {
		return nil, err
	}

	return &TestQuestion{
		Question:      parsed.Question,
		GroundTruth:   parsed.GroundTruth,
		SourceSegment: seg.Text,
		SegmentID:     seg.Key(),
	}, nil
}

func (g *TestSetGenerator) synthesisePair(ctx context.Context, a, b chunk.Segment) (*TestQuestion, error) {
	prompt := g.pm.Get(prompts.PromptTypeTestPair)
	reply, err := g.gen.Call(ctx, []openai.Message{
		{Role: openai.RoleSystem, Content: prompt.System},
		{Role: openai.RoleUser, Content: prompt.RenderUser(a.Text, b.Text)},
	})
	if err != nil {
		return nil, err
	}

	parsed, err := parseQuestionJSON(reply)
	if err != nil {
		return nil, err
	}

	return &TestQuestion{
		Question:      parsed.Question,
		GroundTruth:   parsed.GroundTruth,
		SourceSegment: a.Text + "\n\n" + b.Text,
		SegmentID:     a.Key(),
	}, nil
}

// questionJSON is the narrow record the generator must return.
type questionJSON struct {
	Question    string `json:"question"`
	GroundTruth string `json:"ground_truth"`
}

// parseQuestionJSON extracts the JSON object from a generator reply,
// tolerating surrounding prose and markdown fences.
func parseQuestionJSON(reply string) (*questionJSON, error) {
	payload := extractJSONObject(reply)
	if payload == "" {
		return nil, fmt.Errorf("eval: no JSON object in generator reply")
	}

	var parsed questionJSON
	if err := sonic.UnmarshalString(payload, &parsed); err != nil {
		return nil, fmt.Errorf("eval: parse question JSON: %w", err)
	}
	if strings.TrimSpace(parsed.Question) == "" || strings.TrimSpace(parsed.GroundTruth) == "" {
		return nil, fmt.Errorf("eval: question JSON missing fields")
	}

	return &parsed, nil
}

// extractJSONObject returns the first top-level {...} span of the text.
func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && c == '{':
			depth++
		case !inString && c == '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// SaveTestSet persists the question list as pretty-printed JSON.
func SaveTestSet(path string, questions []TestQuestion) error {
	data, err := sonic.ConfigDefault.MarshalIndent(questions, "", "  ")
	if err != nil {
		return fmt.Errorf("eval: marshal test set: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("eval: write test set: %w", err)
	}
	return nil
}

// LoadTestSet reads a previously persisted question list.
func LoadTestSet(path string) ([]TestQuestion, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("eval: read test set: %w", err)
	}
	var questions []TestQuestion
	if err := sonic.Unmarshal(data, &questions); err != nil {
		return nil, fmt.Errorf("eval: parse test set: %w", err)
	}
	return questions, nil
}
