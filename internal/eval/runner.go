package eval

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/hsn0918/bookrag/internal/answer"
	"github.com/hsn0918/bookrag/pkg/clients/base"
	"github.com/hsn0918/bookrag/pkg/clients/openai"
	"github.com/hsn0918/bookrag/pkg/logger"
	"github.com/hsn0918/bookrag/pkg/prompts"
	"github.com/hsn0918/bookrag/pkg/textutil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Result holds everything recorded for one evaluated question.
type Result struct {
	Question    string `json:"question"`
	GroundTruth string `json:"groundTruth"`
	Answer      string `json:"answer"`

	Sources []string `json:"sources"`

	Faithfulness     float64 `json:"faithfulness"`
	Relevance        float64 `json:"relevance"`
	ContextPrecision float64 `json:"contextPrecision"`
	AnswerSimilarity float64 `json:"answerSimilarity"`

	Reasoning string `json:"reasoning,omitempty"`
}

// Scores aggregates the four quality metrics.
type Scores struct {
	Faithfulness     float64 `json:"faithfulness"`
	Relevance        float64 `json:"relevance"`
	ContextPrecision float64 `json:"contextPrecision"`
	AnswerSimilarity float64 `json:"answerSimilarity"`
}

// BatchReport is the outcome of one evaluation batch.
type BatchReport struct {
	Date          string   `json:"date"`
	Timestamp     string   `json:"timestamp"`
	NumQuestions  int      `json:"numQuestions"`
	AverageScores Scores   `json:"averageScores"`
	Results       []Result `json:"results"`
}

// Runner drives the full core for each test question and scores the output.
type Runner struct {
	answerer *answer.Answerer
	gen      openai.Generator
	pm       *prompts.Manager
	workers  int
}

// NewRunner creates a batch runner. Workers defaults to the available cores.
func NewRunner(answerer *answer.Answerer, gen openai.Generator, pm *prompts.Manager, workers int) *Runner {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Runner{answerer: answerer, gen: gen, pm: pm, workers: workers}
}

// RunBatch evaluates every question, dispatching up to the worker-pool size
// in parallel. A rate-limited upstream pauses the batch: no further work is
// dispatched, the error is surfaced, and already-computed results are
// returned alongside it. Cancellation behaves the same way with the
// cancellation error.
func (r *Runner) RunBatch(ctx context.Context, questions []TestQuestion) (*BatchReport, error) {
	results := make([]*Result, len(questions))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	for i, q := range questions {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			result, err := r.evaluateOne(gctx, i, q)
			if err != nil {
				// Rate limits and auth failures pause the whole batch;
				// everything else drops the single sample.
				if gctx.Err() != nil || base.IsRateLimited(err) || base.IsUnauthorized(err) {
					return err
				}
				logger.Get().Warn("evaluation sample failed",
					zap.Int("question", i),
					zap.Error(err),
				)
				return nil
			}

			mu.Lock()
			results[i] = result
			mu.Unlock()
			return nil
		})
	}

	err := g.Wait()

	report := buildReport(results)
	if err != nil {
		return report, err
	}

	logger.Get().Info("evaluation batch completed",
		zap.Int("questions", len(questions)),
		zap.Int("scored", report.NumQuestions),
	)

	return report, nil
}

// evaluateOne runs the answerer for a question and computes all four scores.
// Each question uses its own throwaway session so dialogue memory never
// leaks across samples.
func (r *Runner) evaluateOne(ctx context.Context, i int, q TestQuestion) (*Result, error) {
	sessionID := fmt.Sprintf("eval-%d", i)
	defer r.answerer.ClearSession(sessionID)

	answerText, passages, err := r.answerer.Answer(ctx, sessionID, q.Question)
	if err != nil {
		return nil, err
	}

	sources := make([]string, len(passages))
	for j, p := range passages {
		sources[j] = p.Segment.Text
	}

	verdict := r.judge(ctx, q.Question, sources, answerText)

	return &Result{
		Question:         q.Question,
		GroundTruth:      q.GroundTruth,
		Answer:           answerText,
		Sources:          sources,
		Faithfulness:     verdict.Faithfulness,
		Relevance:        verdict.Relevance,
		Reasoning:        verdict.Reasoning,
		ContextPrecision: ContextPrecision(sources, q.SourceSegment),
		AnswerSimilarity: AnswerSimilarity(answerText, q.GroundTruth),
	}, nil
}

// judgeVerdict is the narrow record the judge must return.
type judgeVerdict struct {
	Faithfulness float64 `json:"faithfulness"`
	Relevance    float64 `json:"relevance"`
	Reasoning    string  `json:"reasoning"`
}

// judge asks the generator to score faithfulness and relevance. Scores are
// clamped to [0,1]; any parse failure defaults both to zero.
func (r *Runner) judge(ctx context.Context, question string, sources []string, answerText string) judgeVerdict {
	prompt := r.pm.Get(prompts.PromptTypeJudge)

	var sourceBlock string
	for i, s := range sources {
		sourceBlock += fmt.Sprintf("[%d] %s\n", i+1, s)
	}

	reply, err := r.gen.Call(ctx, []openai.Message{
		{Role: openai.RoleSystem, Content: prompt.System},
		{Role: openai.RoleUser, Content: prompt.RenderUser(question, sourceBlock, answerText)},
	})
	if err != nil {
		logger.Get().Warn("judge call failed, scoring zero", zap.Error(err))
		return judgeVerdict{}
	}

	payload := extractJSONObject(reply)
	var verdict judgeVerdict
	if payload == "" || sonic.UnmarshalString(payload, &verdict) != nil {
		logger.Get().Warn("judge returned unparseable verdict, scoring zero",
			zap.String("reply", textutil.SafeUTF8Truncate(reply, 200)))
		return judgeVerdict{}
	}

	verdict.Faithfulness = textutil.Clamp01(verdict.Faithfulness)
	verdict.Relevance = textutil.Clamp01(verdict.Relevance)
	return verdict
}

// buildReport aggregates the non-nil results into a dated report.
func buildReport(results []*Result) *BatchReport {
	now := time.Now()
	report := &BatchReport{
		Date:      now.Format("20060102"),
		Timestamp: now.Format(time.RFC3339),
	}

	for _, r := range results {
		if r != nil {
			report.Results = append(report.Results, *r)
		}
	}
	report.NumQuestions = len(report.Results)

	if report.NumQuestions > 0 {
		var sum Scores
		for _, r := range report.Results {
			sum.Faithfulness += r.Faithfulness
			sum.Relevance += r.Relevance
			sum.ContextPrecision += r.ContextPrecision
			sum.AnswerSimilarity += r.AnswerSimilarity
		}
		n := float64(report.NumQuestions)
		report.AverageScores = Scores{
			Faithfulness:     sum.Faithfulness / n,
			Relevance:        sum.Relevance / n,
			ContextPrecision: sum.ContextPrecision / n,
			AnswerSimilarity: sum.AnswerSimilarity / n,
		}
	}

	return report
}
