package controller

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"codegrader/internal/attempt/model"
	"codegrader/internal/attempt/service"
	"codegrader/internal/common/http/middleware"
	"codegrader/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// AttemptController handles attempt HTTP endpoints.
type AttemptController struct {
	attemptService *service.AttemptService
}

// NewAttemptController creates a new AttemptController.
func NewAttemptController(attemptService *service.AttemptService) *AttemptController {
	return &AttemptController{attemptService: attemptService}
}

// Create submits source code against every test case of a practice.
func (h *AttemptController) Create(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	practiceID, err := strconv.ParseInt(c.Param("practice_id"), 10, 64)
	if err != nil || practiceID <= 0 {
		response.BadRequest(c, "Invalid practice id")
		return
	}
	var req CreateAttemptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}

	attempt, err := h.attemptService.CreateAttempt(c.Request.Context(), service.CreateAttemptInput{
		UserID:         userID,
		PracticeID:     practiceID,
		LanguageID:     req.LanguageID,
		SourceCode:     req.SourceCode,
		Metadata:       req.Metadata,
		IdempotencyKey: strings.TrimSpace(c.GetHeader("Idempotency-Key")),
		ClientIP:       c.ClientIP(),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, CreateAttemptResponse{
		AttemptID:   attempt.ID,
		Status:      string(attempt.Status),
		TestsNeeded: attempt.TestsNeeded,
		SubmittedAt: attempt.SubmittedAt.UTC().Format(time.RFC3339),
	})
}

// Get returns one attempt of the caller with its per-test results.
func (h *AttemptController) Get(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	attemptID := c.Param("attempt_id")
	if attemptID == "" {
		response.BadRequest(c, "Invalid attempt id")
		return
	}
	view, err := h.attemptService.GetAttempt(c.Request.Context(), userID, attemptID)
	if err != nil {
		response.Error(c, err)
		return
	}

	tests := make([]TestResult, 0, len(view.Submissions))
	for _, s := range view.Submissions {
		tests = append(tests, TestResult{
			Ordinal:  s.Ordinal,
			Status:   string(s.Status),
			TimeMs:   s.TimeMs,
			MemoryKB: s.MemoryKB,
		})
	}
	response.Success(c, AttemptResponse{
		Attempt:     newAttemptSummary(view.Attempt),
		PassedCount: view.PassedCount,
		TotalTests:  view.TotalTests,
		Tests:       tests,
	})
}

// List returns the caller's attempts for one practice, newest first.
func (h *AttemptController) List(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	practiceID, err := strconv.ParseInt(c.Param("practice_id"), 10, 64)
	if err != nil || practiceID <= 0 {
		response.BadRequest(c, "Invalid practice id")
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	result, err := h.attemptService.ListAttempts(c.Request.Context(), userID, practiceID, page, pageSize)
	if err != nil {
		response.Error(c, err)
		return
	}
	items := make([]AttemptSummary, 0, len(result.Attempts))
	for _, a := range result.Attempts {
		items = append(items, newAttemptSummary(a))
	}
	response.SuccessWithPagination(c, items, result.Total, result.Page, result.PageSize)
}

// Languages lists the languages attempts may be written in.
func (h *AttemptController) Languages(c *gin.Context) {
	response.Success(c, h.attemptService.Languages())
}

func requireUser(c *gin.Context) (string, bool) {
	userID := c.GetString(middleware.UserIDContextKey)
	if userID == "" {
		response.Unauthorized(c, "Missing user id")
		return "", false
	}
	return userID, true
}

func newAttemptSummary(a *model.Attempt) AttemptSummary {
	out := AttemptSummary{
		AttemptID:      a.ID,
		PracticeID:     a.PracticeID,
		LanguageID:     a.LanguageID,
		Status:         string(a.Status),
		TestsNeeded:    a.TestsNeeded,
		TestsCompleted: a.TestsCompleted,
		SubmittedAt:    a.SubmittedAt.UTC().Format(time.RFC3339),
		Metadata:       a.Metadata,
	}
	if a.FinishedAt != nil {
		out.FinishedAt = a.FinishedAt.UTC().Format(time.RFC3339)
	}
	return out
}

// CreateAttemptRequest defines attempt payload.
type CreateAttemptRequest struct {
	LanguageID int             `json:"language_id" binding:"required"`
	SourceCode string          `json:"source_code" binding:"required"`
	Metadata   json.RawMessage `json:"metadata"`
}

// CreateAttemptResponse defines attempt creation response payload.
type CreateAttemptResponse struct {
	AttemptID   string `json:"attempt_id"`
	Status      string `json:"status"`
	TestsNeeded int    `json:"tests_needed"`
	SubmittedAt string `json:"submitted_at"`
}

// AttemptSummary is an attempt without its per-test results.
type AttemptSummary struct {
	AttemptID      string          `json:"attempt_id"`
	PracticeID     int64           `json:"practice_id"`
	LanguageID     int             `json:"language_id"`
	Status         string          `json:"status"`
	TestsNeeded    int             `json:"tests_needed"`
	TestsCompleted int             `json:"tests_completed"`
	SubmittedAt    string          `json:"submitted_at"`
	FinishedAt     string          `json:"finished_at,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// TestResult is the outcome of one test case.
type TestResult struct {
	Ordinal  int     `json:"ordinal"`
	Status   string  `json:"status"`
	TimeMs   float64 `json:"time_ms"`
	MemoryKB int64   `json:"memory_kb"`
}

// AttemptResponse defines attempt query response payload.
type AttemptResponse struct {
	Attempt     AttemptSummary `json:"attempt"`
	PassedCount int            `json:"passed_count"`
	TotalTests  int            `json:"total_tests"`
	Tests       []TestResult   `json:"tests"`
}
