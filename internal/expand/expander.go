// Package expand derives the query variants the retriever fans out over:
// a language-normalised form, a step-back abstraction, and hypothetical
// document expansions (HyDE) for embedding.
package expand

import (
	"context"
	"unicode"

	"github.com/hsn0918/bookrag/pkg/clients/openai"
	"github.com/hsn0918/bookrag/pkg/logger"
	"github.com/hsn0918/bookrag/pkg/prompts"
	"github.com/hsn0918/bookrag/pkg/textutil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// latinDominanceRatio is the fraction of Latin letters above which a query
// is treated as already English.
const latinDominanceRatio = 0.5

// Expansion holds the derived queries for one user query. StepBack is empty
// when abstraction was disabled or failed; the Hyde fields fall back to the
// query itself when hypothesising was disabled or failed.
type Expansion struct {
	Original string
	English  string
	StepBack string

	HydeEnglish  string
	HydeStepBack string

	Translated bool
}

// Expander produces derived queries through the generator. Every generator
// call is opportunistic: failures degrade the expansion, they never abort it.
type Expander struct {
	gen openai.Generator
	pm  *prompts.Manager

	enableStepBack bool
	enableHyde     bool
}

// NewExpander creates a query expander with the given feature flags.
func NewExpander(gen openai.Generator, pm *prompts.Manager, stepBack, hyde bool) *Expander {
	return &Expander{
		gen:            gen,
		pm:             pm,
		enableStepBack: stepBack,
		enableHyde:     hyde,
	}
}

// Expand derives all query variants for the given user query. Only context
// cancellation is returned as an error; expansion failures fall back to the
// prior query form with a warning.
func (e *Expander) Expand(ctx context.Context, query string) (*Expansion, error) {
	exp := &Expansion{Original: query}

	english, translated, err := e.normalizeLanguage(ctx, query)
	if err != nil {
		return nil, err
	}
	exp.English = english
	exp.Translated = translated

	if e.enableStepBack {
		stepBack, err := e.stepBack(ctx, exp.English)
		if err != nil {
			return nil, err
		}
		exp.StepBack = stepBack
	}

	// HyDE defaults keep the raw queries usable when expansion is off.
	exp.HydeEnglish = exp.English
	exp.HydeStepBack = exp.StepBack

	if e.enableHyde {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			doc, err := e.hypothesise(gctx, exp.English)
			if err != nil {
				return err
			}
			if doc != "" {
				exp.HydeEnglish = doc
			}
			return nil
		})
		if exp.StepBack != "" {
			g.Go(func() error {
				doc, err := e.hypothesise(gctx, exp.StepBack)
				if err != nil {
					return err
				}
				if doc != "" {
					exp.HydeStepBack = doc
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	return exp, nil
}

// normalizeLanguage returns the English form of the query. Queries whose
// letters are dominantly Latin pass through; others are translated into
// English search keywords, falling back to the original on failure.
func (e *Expander) normalizeLanguage(ctx context.Context, query string) (english string, translated bool, err error) {
	if isLatinDominant(query) {
		return query, false, nil
	}

	prompt := e.pm.Get(prompts.PromptTypeTranslation)
	reply, callErr := e.gen.Call(ctx, []openai.Message{
		{Role: openai.RoleSystem, Content: prompt.System},
		{Role: openai.RoleUser, Content: prompt.RenderUser(query)},
	})
	if callErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", false, ctxErr
		}
		logger.Get().Warn("query translation failed, using original query", zap.Error(callErr))
		return query, false, nil
	}

	reply = textutil.StripQuotes(reply)
	if reply == "" {
		logger.Get().Warn("query translation returned empty text, using original query")
		return query, false, nil
	}

	return reply, true, nil
}

// stepBack derives a higher-level conceptual question, or "" on failure so
// the dual-query branch is skipped.
func (e *Expander) stepBack(ctx context.Context, query string) (string, error) {
	prompt := e.pm.Get(prompts.PromptTypeStepBack)
	reply, err := e.gen.Call(ctx, []openai.Message{
		{Role: openai.RoleSystem, Content: prompt.System},
		{Role: openai.RoleUser, Content: prompt.RenderUser(query)},
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		logger.Get().Warn("step-back expansion failed, skipping dual-query branch", zap.Error(err))
		return "", nil
	}

	return textutil.StripQuotes(reply), nil
}

// hypothesise writes a short hypothetical answer passage for the query, or
// "" on failure so the caller keeps embedding the query itself.
func (e *Expander) hypothesise(ctx context.Context, query string) (string, error) {
	prompt := e.pm.Get(prompts.PromptTypeHyde)
	reply, err := e.gen.Call(ctx, []openai.Message{
		{Role: openai.RoleSystem, Content: prompt.System},
		{Role: openai.RoleUser, Content: prompt.RenderUser(query)},
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		logger.Get().Warn("hypothetical document expansion failed, embedding query directly", zap.Error(err))
		return "", nil
	}

	return textutil.StripQuotes(reply), nil
}

// isLatinDominant reports whether more than half of the query's letters are
// in the Latin [A-Za-z] range.
func isLatinDominant(query string) bool {
	letters, latin := 0, 0
	for _, r := range query {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			latin++
		}
	}
	if letters == 0 {
		return true
	}
	return float64(latin)/float64(letters) > latinDominanceRatio
}
