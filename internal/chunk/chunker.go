// Package chunk splits the source document into the parent/child segment
// hierarchy used by the index: semantically chunked parents carrying
// structural metadata, covered by fixed sliding child windows.
package chunk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/hsn0918/bookrag/pkg/clients/embedding"
	"github.com/hsn0918/bookrag/pkg/logger"
	"go.uber.org/zap"
)

// Common errors.
var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrEmptyContent  = errors.New("empty document content")
)

// Default chunking parameters.
const (
	defaultMaxChunkSize        = 1200
	defaultMinChunkSize        = 400
	defaultChildSize           = 150
	defaultChildOverlap        = 30
	defaultBreakpointThreshold = 0.7
	defaultHardThreshold       = 0.56

	// codeSizeFactor relaxes the max size for code-bearing chunks so code
	// blocks are never torn apart.
	codeSizeFactor = 1.5

	// hardBreakMinSize is the accumulated size required before the hard
	// similarity threshold may force a breakpoint.
	hardBreakMinSize = 200

	// embedBatchSize bounds the number of sentences per embedding call.
	embedBatchSize = 64

	// Fallback splitting parameters when sentence detection fails.
	fallbackChunkSize = 800
	fallbackOverlap   = 50
)

// Config defines chunking configuration.
type Config struct {
	// Parent size constraints.
	MaxChunkSize int
	MinChunkSize int

	// Child window parameters.
	ChildSize    int
	ChildOverlap int

	// Semantic breakpoint thresholds.
	BreakpointThreshold float64
	HardThreshold       float64
}

// Option configures a SemanticChunker.
type Option func(*Config)

// WithBreakpointThreshold sets the cosine similarity breakpoint threshold.
func WithBreakpointThreshold(threshold float64) Option {
	return func(c *Config) {
		c.BreakpointThreshold = threshold
	}
}

// WithHardThreshold sets the hard similarity threshold for early breakpoints.
func WithHardThreshold(threshold float64) Option {
	return func(c *Config) {
		c.HardThreshold = threshold
	}
}

// WithChildWindow sets the child window size and overlap.
func WithChildWindow(size, overlap int) Option {
	return func(c *Config) {
		c.ChildSize = size
		c.ChildOverlap = overlap
	}
}

// SemanticChunker implements semantic-aware parent/child chunking.
type SemanticChunker struct {
	cfg      Config
	embedder embedding.Embedder
}

// NewSemanticChunker creates a new semantic chunker.
func NewSemanticChunker(
	maxChunkSize, minChunkSize int,
	embedder embedding.Embedder,
	opts ...Option,
) (*SemanticChunker, error) {
	if maxChunkSize <= 0 || minChunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk sizes must be positive", ErrInvalidConfig)
	}
	if maxChunkSize <= minChunkSize {
		return nil, fmt.Errorf("%w: max must be greater than min", ErrInvalidConfig)
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}

	cfg := Config{
		MaxChunkSize:        maxChunkSize,
		MinChunkSize:        minChunkSize,
		ChildSize:           defaultChildSize,
		ChildOverlap:        defaultChildOverlap,
		BreakpointThreshold: defaultBreakpointThreshold,
		HardThreshold:       defaultHardThreshold,
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &SemanticChunker{
		cfg:      cfg,
		embedder: embedder,
	}, nil
}

// validate checks if the configuration is valid.
func (c *Config) validate() error {
	if c.BreakpointThreshold < 0 || c.BreakpointThreshold > 1 {
		return fmt.Errorf("%w: breakpoint threshold must be in [0,1]", ErrInvalidConfig)
	}
	if c.HardThreshold < 0 || c.HardThreshold > c.BreakpointThreshold {
		return fmt.Errorf("%w: hard threshold must be in [0,breakpoint]", ErrInvalidConfig)
	}
	if c.ChildOverlap >= c.ChildSize {
		return fmt.Errorf("%w: child overlap must be less than child size", ErrInvalidConfig)
	}
	return nil
}

// Document is the chunker output: ordered parents and their child windows.
type Document struct {
	Parents  []Segment
	Children []Segment
}

// ChunkDocument splits the full document text into parents and children.
// It never fails silently: an empty document is an error, and a document
// whose sentences cannot be detected falls back to naive splitting.
func (sc *SemanticChunker) ChunkDocument(ctx context.Context, text string) (*Document, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyContent
	}

	sentences := splitSentences(text)

	var chunks []string
	if len(sentences) == 0 {
		logger.Get().Warn("no usable sentences detected, falling back to naive splitting")
		chunks = naiveSplit(text, fallbackChunkSize, fallbackOverlap)
	} else {
		embeddings, err := sc.embedSentences(ctx, sentences)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			logger.Get().Warn("sentence embedding failed, falling back to naive splitting",
				zap.Error(err))
			chunks = naiveSplit(text, fallbackChunkSize, fallbackOverlap)
		} else {
			breakpoints := sc.findBreakpoints(sentences, embeddings)
			chunks = sc.materialize(sentences, breakpoints)
		}
	}

	if len(chunks) == 0 {
		return nil, ErrEmptyContent
	}

	doc := &Document{}
	for i, chunkText := range chunks {
		parent := Segment{
			ID:          uuid.NewString(),
			Kind:        KindParent,
			Text:        chunkText,
			ParentIndex: i,
			Meta:        ScanStructure(chunkText),
		}
		doc.Parents = append(doc.Parents, parent)
		doc.Children = append(doc.Children, sc.childWindows(parent)...)
	}

	logger.Get().Info("document chunked",
		zap.Int("sentences", len(sentences)),
		zap.Int("parents", len(doc.Parents)),
		zap.Int("children", len(doc.Children)),
	)

	return doc, nil
}

// embedSentences embeds every sentence longer than minSentenceLen in batches;
// shorter sentences keep a nil vector and never produce a breakpoint.
func (sc *SemanticChunker) embedSentences(ctx context.Context, sentences []string) ([][]float32, error) {
	embeddings := make([][]float32, len(sentences))

	var batch []string
	var batchIdx []int
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		vectors, err := sc.embedder.EmbedBatch(ctx, batch)
		if err != nil {
			return fmt.Errorf("embed sentence batch: %w", err)
		}
		for i, vec := range vectors {
			embeddings[batchIdx[i]] = vec
		}
		batch = batch[:0]
		batchIdx = batchIdx[:0]
		return nil
	}

	for i, s := range sentences {
		if len(s) <= minSentenceLen {
			continue
		}
		batch = append(batch, s)
		batchIdx = append(batchIdx, i)
		if len(batch) >= embedBatchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	return embeddings, nil
}

// findBreakpoints walks adjacent sentence pairs and records a breakpoint
// after sentence i when similarity drops below the threshold and enough text
// has accumulated since the previous breakpoint. The final sentence index is
// always a terminal breakpoint.
func (sc *SemanticChunker) findBreakpoints(sentences []string, embeddings [][]float32) []int {
	var breakpoints []int
	accumulated := 0

	for i := 0; i < len(sentences)-1; i++ {
		accumulated += len(sentences[i])

		sim := 1.0
		if embeddings[i] != nil && embeddings[i+1] != nil {
			sim = cosineSimilarity(embeddings[i], embeddings[i+1])
		}

		softBreak := sim < sc.cfg.BreakpointThreshold && accumulated >= sc.cfg.MinChunkSize
		hardBreak := sim < sc.cfg.HardThreshold && accumulated >= hardBreakMinSize
		if softBreak || hardBreak {
			breakpoints = append(breakpoints, i)
			accumulated = 0
		}
	}

	return append(breakpoints, len(sentences)-1)
}

// pendingChunk is a chunk awaiting refinement, with its sentence count.
type pendingChunk struct {
	text      string
	sentences int
}

// materialize builds the final parent texts from breakpoint spans, applying
// the refinement rules: code preservation, merge-forward of undersized
// chunks, and optimal splitting of oversized ones.
func (sc *SemanticChunker) materialize(sentences []string, breakpoints []int) []string {
	var spans []pendingChunk
	start := 0
	for _, bp := range breakpoints {
		if bp < start {
			continue
		}
		span := strings.Join(sentences[start:bp+1], " ")
		spans = append(spans, pendingChunk{text: span, sentences: bp + 1 - start})
		start = bp + 1
	}

	var emitted []string
	var buffer pendingChunk

	for _, span := range spans {
		current := span
		if buffer.text != "" {
			current = pendingChunk{
				text:      buffer.text + " " + span.text,
				sentences: buffer.sentences + span.sentences,
			}
			buffer = pendingChunk{}
		}

		for {
			size := len(current.text)

			// Keep code-bearing chunks whole up to the relaxed limit.
			if hasCodeSignal(current.text) && float64(size) < codeSizeFactor*float64(sc.cfg.MaxChunkSize) {
				emitted = append(emitted, current.text)
				break
			}

			// Undersized chunks merge forward instead of being emitted.
			if size < sc.cfg.MinChunkSize && current.sentences < 3 {
				buffer = current
				break
			}

			if size > sc.cfg.MaxChunkSize {
				head, rest := sc.splitOversized(current.text)
				emitted = append(emitted, head)
				current = pendingChunk{text: rest, sentences: countSentences(rest)}
				continue
			}

			emitted = append(emitted, current.text)
			break
		}
	}

	// Drain the trailing buffer.
	if buffer.text != "" {
		if n := len(emitted); n > 0 && len(emitted[n-1])+1+len(buffer.text) <= sc.cfg.MaxChunkSize {
			emitted[n-1] = emitted[n-1] + " " + buffer.text
		} else {
			emitted = append(emitted, buffer.text)
		}
	}

	return emitted
}

var itemHeaderPattern = regexp.MustCompile(`(?i)\bitem\s+\d+`)

// splitOversized finds the best split point for an oversized chunk and
// returns the emitted head and the remainder to merge forward.
func (sc *SemanticChunker) splitOversized(text string) (head, rest string) {
	size := len(text)
	lo := max(sc.cfg.MaxChunkSize/2, size/3)
	hi := min(sc.cfg.MaxChunkSize-200, 2*size/3)
	if hi > size {
		hi = size
	}

	bounds := sentenceBoundaries(text)
	headers := itemHeaderPattern.FindAllStringIndex(text, -1)

	bestPos, bestScore := -1, 0.0
	for pos := lo; pos < hi; pos++ {
		score := sc.scoreSplit(text, pos, headers)
		if score > bestScore {
			bestScore, bestPos = score, pos
		}
	}

	target := size / 2
	if bestScore > 0.5 && bestPos > 0 {
		target = bestPos
	}

	// The emitted head must stay within the parent size bound.
	splitAt := nearestBoundaryCapped(bounds, target, sc.cfg.MaxChunkSize)
	if splitAt <= 0 || splitAt >= size {
		splitAt = min(target, sc.cfg.MaxChunkSize)
	}

	return strings.TrimSpace(text[:splitAt]), strings.TrimSpace(text[splitAt:])
}

// scoreSplit rates a candidate split position. Paragraph boundaries score
// highest, then code-block closers, then sentence terminators; positions
// shortly after an Item header are penalised so a heading is never separated
// from its opening text.
func (sc *SemanticChunker) scoreSplit(text string, pos int, headers [][]int) float64 {
	score := 0.0

	winLo, winHi := max(0, pos-10), min(len(text), pos+10)
	if strings.Contains(text[winLo:winHi], "\n\n") {
		score += 0.4
	}

	prev := text[pos-1]
	switch {
	case prev == '}' || prev == ';':
		score += 0.3
	case prev == '\n' && pos < len(text) && text[pos] != '{':
		score += 0.3
	}

	if isTerminator(rune(prev)) || (prev == ' ' && pos >= 2 && isTerminator(rune(text[pos-2]))) {
		score += 0.2
	}

	for _, h := range headers {
		if pos > h[0] && pos-h[0] <= 100 {
			score -= 0.5
			break
		}
	}

	return score
}

// codeSignals are the substrings that mark a chunk as code-bearing.
var codeSignals = []string{"public class", "private ", "public ", "@Override", "//", "/*"}

var codeBracePattern = regexp.MustCompile(`\{[^}]*\}`)

// hasCodeSignal reports whether the chunk carries a code block.
func hasCodeSignal(text string) bool {
	for _, signal := range codeSignals {
		if strings.Contains(text, signal) {
			return true
		}
	}
	return codeBracePattern.MatchString(text)
}

// childWindows slides a fixed window over the parent text. Windows are
// ChildSize runes long with ChildOverlap runes of overlap; the last window
// may be shorter. Children inherit the parent's structural metadata.
func (sc *SemanticChunker) childWindows(parent Segment) []Segment {
	runes := []rune(parent.Text)
	stride := sc.cfg.ChildSize - sc.cfg.ChildOverlap

	var children []Segment
	for start, idx := 0, 0; start < len(runes); start, idx = start+stride, idx+1 {
		end := min(start+sc.cfg.ChildSize, len(runes))
		children = append(children, Segment{
			ID:          fmt.Sprintf("%s#%d", parent.ID, idx),
			Kind:        KindChild,
			Text:        string(runes[start:end]),
			ParentID:    parent.ID,
			ParentIndex: parent.ParentIndex,
			ChildIndex:  idx,
			Meta:        parent.Meta,
		})
		if end == len(runes) {
			break
		}
	}

	return children
}

// naiveSplit is the fallback when sentence detection fails: paragraphs are
// accumulated up to the target size, and oversized paragraphs are hard-split
// with a fixed overlap.
func naiveSplit(text string, size, overlap int) []string {
	var chunks []string
	var current strings.Builder

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		if len(para) > size {
			flush()
			runes := []rune(para)
			for start := 0; start < len(runes); start += size - overlap {
				end := min(start+size, len(runes))
				chunks = append(chunks, string(runes[start:end]))
				if end == len(runes) {
					break
				}
			}
			continue
		}

		if current.Len()+len(para)+1 > size {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()

	return chunks
}

// cosineSimilarity calculates the cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i] * b[i])
		normA += float64(a[i] * a[i])
		normB += float64(b[i] * b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
