package eval

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/hsn0918/bookrag/pkg/textutil"
	"github.com/yuin/goldmark"
)

// RenderMarkdown formats a batch report as the Markdown evaluation report:
// an averages table followed by per-question scores.
func RenderMarkdown(report *BatchReport) string {
	var b strings.Builder

	b.WriteString("# Evaluation Report\n\n")
	fmt.Fprintf(&b, "- Date: %s\n", report.Timestamp)
	fmt.Fprintf(&b, "- Questions: %d\n\n", report.NumQuestions)

	b.WriteString("## Averages\n\n")
	b.WriteString("| Metric | Score |\n|---|---|\n")
	fmt.Fprintf(&b, "| Faithfulness | %.3f |\n", report.AverageScores.Faithfulness)
	fmt.Fprintf(&b, "| Relevance | %.3f |\n", report.AverageScores.Relevance)
	fmt.Fprintf(&b, "| Context Precision | %.3f |\n", report.AverageScores.ContextPrecision)
	fmt.Fprintf(&b, "| Answer Similarity | %.3f |\n\n", report.AverageScores.AnswerSimilarity)

	b.WriteString("## Per-question Scores\n\n")
	b.WriteString("| # | Question | Faithfulness | Relevance | Context Precision | Answer Similarity |\n")
	b.WriteString("|---|---|---|---|---|---|\n")
	for i, r := range report.Results {
		question := strings.ReplaceAll(textutil.SafeUTF8Truncate(r.Question, 80), "|", "\\|")
		fmt.Fprintf(&b, "| %d | %s | %.3f | %.3f | %.3f | %.3f |\n",
			i+1, question, r.Faithfulness, r.Relevance, r.ContextPrecision, r.AnswerSimilarity)
	}

	return b.String()
}

// WriteMarkdownReport renders the report and writes it to path.
func WriteMarkdownReport(path string, report *BatchReport) error {
	if err := os.WriteFile(path, []byte(RenderMarkdown(report)), 0o644); err != nil {
		return fmt.Errorf("eval: write report: %w", err)
	}
	return nil
}

// MarkdownToHTML converts a rendered report to HTML for browser viewing.
func MarkdownToHTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("eval: render report HTML: %w", err)
	}
	return buf.String(), nil
}

// WriteHistory persists the report snapshot into the dated history file
// under dir, creating the directory as needed. It must be called only after
// all scoring has finished; a paused or cancelled batch writes nothing.
func WriteHistory(dir string, report *BatchReport) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("eval: create history dir: %w", err)
	}

	data, err := sonic.ConfigDefault.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("eval: marshal history: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("evaluation_%s.json", report.Date))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("eval: write history: %w", err)
	}

	return path, nil
}
