package server

import (
	"net/http"
	"os"
	"strconv"

	"github.com/hsn0918/bookrag/internal/eval"
	"github.com/hsn0918/bookrag/pkg/logger"
	"go.uber.org/zap"
)

// defaultTestSetSize applies when numQuestions is absent. A value of -1
// uses every indexed segment.
const defaultTestSetSize = 10

// parseNumQuestions reads the numQuestions query parameter.
func parseNumQuestions(r *http.Request) int {
	raw := r.URL.Query().Get("numQuestions")
	if raw == "" {
		return defaultTestSetSize
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n == 0 {
		return defaultTestSetSize
	}
	return n
}

// handleGenerateTestSet synthesises and persists a fresh test set.
func (s *Server) handleGenerateTestSet(w http.ResponseWriter, r *http.Request) {
	if !s.requireReady(w) {
		return
	}

	n := parseNumQuestions(r)
	questions, err := s.testGen.Generate(r.Context(), s.idx.Children(), n)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := eval.SaveTestSet(s.cfg.Evaluation.TestSetPath, questions); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "generated",
		"questions": len(questions),
		"path":      s.cfg.Evaluation.TestSetPath,
	})
}

// handleRunBatchTest evaluates the persisted test set and, when the batch
// finishes without being paused or cancelled, writes the Markdown report and
// the dated history snapshot. Samples dropped for individual failures do not
// block the write; they are simply absent from the report. A paused or
// cancelled batch writes nothing.
func (s *Server) handleRunBatchTest(w http.ResponseWriter, r *http.Request) {
	if !s.requireReady(w) {
		return
	}

	questions, err := eval.LoadTestSet(s.cfg.Evaluation.TestSetPath)
	if err != nil {
		writeError(w, err)
		return
	}

	report, _ := s.runBatch(w, r, questions)
	if report == nil {
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "completed",
		"numQuestions":  report.NumQuestions,
		"averageScores": report.AverageScores,
	})
}

// handleRunFullEvaluation generates a test set and evaluates it in one call.
func (s *Server) handleRunFullEvaluation(w http.ResponseWriter, r *http.Request) {
	if !s.requireReady(w) {
		return
	}

	n := parseNumQuestions(r)
	questions, err := s.testGen.Generate(r.Context(), s.idx.Children(), n)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := eval.SaveTestSet(s.cfg.Evaluation.TestSetPath, questions); err != nil {
		writeError(w, err)
		return
	}

	report, _ := s.runBatch(w, r, questions)
	if report == nil {
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "completed",
		"numQuestions":  report.NumQuestions,
		"averageScores": report.AverageScores,
		"testSetPath":   s.cfg.Evaluation.TestSetPath,
		"reportPath":    s.cfg.Evaluation.ReportPath,
	})
}

// runBatch runs the evaluation batch and persists its artifacts. It returns
// nil after writing an error response, so callers can simply bail out.
func (s *Server) runBatch(w http.ResponseWriter, r *http.Request, questions []eval.TestQuestion) (*eval.BatchReport, error) {
	report, err := s.runner.RunBatch(r.Context(), questions)
	if err != nil {
		// Partial results stay in memory only; no report or history is
		// written for an interrupted batch.
		logger.Get().Warn("evaluation batch interrupted",
			zap.Int("scored", report.NumQuestions),
			zap.Error(err),
		)
		writeError(w, err)
		return nil, err
	}

	if err := eval.WriteMarkdownReport(s.cfg.Evaluation.ReportPath, report); err != nil {
		writeError(w, err)
		return nil, err
	}
	historyPath, err := eval.WriteHistory(s.cfg.Evaluation.HistoryDir, report)
	if err != nil {
		writeError(w, err)
		return nil, err
	}

	logger.Get().Info("evaluation artifacts written",
		zap.String("report", s.cfg.Evaluation.ReportPath),
		zap.String("history", historyPath),
	)

	return report, nil
}

// handleReport serves the latest Markdown report, optionally rendered to
// HTML with ?format=html.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(s.cfg.Evaluation.ReportPath)
	if err != nil {
		if os.IsNotExist(err) {
			writeJSON(w, http.StatusNotFound, errorResponse{
				Error:    "no evaluation report has been generated yet",
				Category: "not_found",
			})
			return
		}
		writeError(w, err)
		return
	}

	if r.URL.Query().Get("format") == "html" {
		html, err := eval.MarkdownToHTML(string(data))
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(html))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"report": string(data)})
}
