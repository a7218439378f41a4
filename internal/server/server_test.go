package server_test

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/hsn0918/bookrag/internal/answer"
	"github.com/hsn0918/bookrag/internal/chunk"
	"github.com/hsn0918/bookrag/internal/eval"
	"github.com/hsn0918/bookrag/internal/expand"
	"github.com/hsn0918/bookrag/internal/index"
	"github.com/hsn0918/bookrag/internal/ingest"
	"github.com/hsn0918/bookrag/internal/retrieve"
	"github.com/hsn0918/bookrag/internal/server"
	"github.com/hsn0918/bookrag/pkg/clients/openai"
	"github.com/hsn0918/bookrag/pkg/config"
	"github.com/hsn0918/bookrag/pkg/prompts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubEmbedder puts singleton-flavoured text on one axis, everything else on
// another.
type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if strings.Contains(strings.ToLower(text), "singleton") {
		return []float32{1, 0}, nil
	}
	return []float32{0, 1}, nil
}

func (stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i], _ = stubEmbedder{}.Embed(context.Background(), text)
	}
	return out, nil
}

// stubLLM answers every prompt kind deterministically.
type stubLLM struct{}

func (stubLLM) Call(_ context.Context, messages []openai.Message) (string, error) {
	system := messages[0].Content
	switch {
	case strings.Contains(system, "evaluation judge"):
		return `{"faithfulness": 1, "relevance": 1, "reasoning": "fine"}`, nil
	case strings.Contains(system, "generate evaluation data"):
		return `{"question": "What enforces the singleton property?", "ground_truth": "A private constructor."}`, nil
	case strings.Contains(system, "broader"):
		return "What governs object creation?", nil
	case strings.Contains(system, "hypothetical"):
		return "A single-element enum singleton is preferred.", nil
	case strings.Contains(system, "translate"):
		return "singleton best implementation", nil
	default:
		return "Use a single-element enum, as Item 3 advises.", nil
	}
}

func (g stubLLM) Stream(ctx context.Context, messages []openai.Message, onFragment func(string) error) error {
	reply, err := g.Call(ctx, messages)
	if err != nil {
		return err
	}
	for _, word := range strings.SplitAfter(reply, " ") {
		if err := onFragment(word); err != nil {
			return err
		}
	}
	return nil
}

// halfSource keeps rand.Float64 at 0.5 so test-set generation never pairs.
type halfSource struct{}

func (halfSource) Int63() int64 { return 1 << 62 }
func (halfSource) Seed(int64)   {}

func neverPairRand() *rand.Rand { return rand.New(halfSource{}) }

func readyIndex(t *testing.T) *index.Index {
	t.Helper()

	parent := chunk.Segment{
		ID: "p-0", Kind: chunk.KindParent, ParentIndex: 0,
		Text: "Item 3: Enforce the singleton property with a private constructor or an enum type.",
		Meta: chunk.Metadata{ItemID: "3", ItemLabel: "Item 3"},
	}
	children := []chunk.Segment{{
		ID: "p-0#0", Kind: chunk.KindChild, ParentID: "p-0",
		Text: "Enforce the singleton property with a private constructor", Meta: parent.Meta,
	}}

	idx := index.New()
	require.NoError(t, idx.Ingest("book.pdf",
		[]chunk.Segment{parent}, children, [][]float32{{1, 0}}))
	return idx
}

func newTestServer(t *testing.T, idx *index.Index) *httptest.Server {
	t.Helper()

	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = "0"
	cfg.Document.Path = filepath.Join(dir, "book.pdf")
	cfg.Document.SnapshotPath = filepath.Join(dir, "vector-store.json")
	cfg.Evaluation.TestSetPath = filepath.Join(dir, "test-set.json")
	cfg.Evaluation.ReportPath = filepath.Join(dir, "evaluation_report.md")
	cfg.Evaluation.HistoryDir = filepath.Join(dir, "evaluation-history")
	require.NoError(t, cfg.Chunking.Validate())
	require.NoError(t, cfg.Retrieval.Validate())

	embedder := stubEmbedder{}
	gen := stubLLM{}
	pm := prompts.NewManager()

	chunker, err := chunk.NewSemanticChunker(cfg.Chunking.MaxChunkSize, cfg.Chunking.MinChunkSize, embedder)
	require.NoError(t, err)
	ingestor := ingest.New(chunker, embedder, idx, cfg.Document.Path, cfg.Document.SnapshotPath)

	expander := expand.NewExpander(gen, pm, cfg.Retrieval.StepBack, cfg.Retrieval.Hyde)
	retriever := retrieve.New(retrieve.Config{
		Hyde: true, StepBack: true, Rerank: true, HybridSearch: true,
		RRFK: cfg.Retrieval.RRFK, Candidates: cfg.Retrieval.Candidates, TopParents: cfg.Retrieval.TopParents,
	}, idx, embedder, expander)
	answerer := answer.New(retriever, gen, pm)
	testGen := eval.NewTestSetGenerator(gen, pm, neverPairRand())
	runner := eval.NewRunner(answerer, gen, pm, 2)

	s := server.NewServer(cfg, idx, ingestor, answerer, testGen, runner)
	httpServer := server.NewHTTPHandler(s, cfg)

	ts := httptest.NewServer(httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, readyIndex(t))

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `"ready":true`)
}

func TestChatEndpoint(t *testing.T) {
	ts := newTestServer(t, readyIndex(t))

	resp, err := http.Get(ts.URL + "/api/ai/chat?prompt=" + strings.ReplaceAll("What is the preferred way to create singletons?", " ", "+"))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "Use a single-element enum, as Item 3 advises.", string(body))
}

func TestChatEmptyPrompt(t *testing.T) {
	ts := newTestServer(t, readyIndex(t))

	resp, err := http.Get(ts.URL + "/api/ai/chat")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "empty_input")
}

func TestChatNotReady(t *testing.T) {
	ts := newTestServer(t, index.New())

	resp, err := http.Get(ts.URL + "/api/ai/chat?prompt=anything")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStreamEndpoint(t *testing.T) {
	ts := newTestServer(t, readyIndex(t))

	payload, _ := sonic.Marshal(map[string]string{"prompt": "What is the preferred way to create singletons?"})
	resp, err := http.Post(ts.URL+"/api/ai/stream", "application/json", strings.NewReader(string(payload)))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	body, _ := io.ReadAll(resp.Body)
	text := string(body)
	assert.True(t, strings.HasPrefix(text, "data: "), "SSE frames must start with data:")
	assert.Contains(t, text, "\n\n")

	// Reassembling the frames yields the full completion.
	var rebuilt strings.Builder
	for _, line := range strings.Split(text, "\n") {
		if frag, ok := strings.CutPrefix(line, "data: "); ok {
			rebuilt.WriteString(frag)
		}
	}
	assert.Contains(t, rebuilt.String(), "single-element enum")
}

func TestReportNotFound(t *testing.T) {
	ts := newTestServer(t, readyIndex(t))

	resp, err := http.Get(ts.URL + "/api/evaluation/report")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFullEvaluationFlow(t *testing.T) {
	ts := newTestServer(t, readyIndex(t))

	resp, err := http.Post(ts.URL+"/api/evaluation/run-full-evaluation?numQuestions=1", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "averageScores")

	// The report endpoint now serves the Markdown report.
	reportResp, err := http.Get(ts.URL + "/api/evaluation/report")
	require.NoError(t, err)
	defer reportResp.Body.Close()
	assert.Equal(t, http.StatusOK, reportResp.StatusCode)
}
