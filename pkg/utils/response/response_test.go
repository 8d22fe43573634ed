package response_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"codegrader/pkg/errors"
	"codegrader/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

func TestRejectionHelpers(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name        string
		send        func(c *gin.Context)
		wantStatus  int
		wantCode    errors.ErrorCode
		wantMessage string
	}{
		{
			name:        "bad request with message",
			send:        func(c *gin.Context) { response.BadRequest(c, "Invalid attempt id") },
			wantStatus:  http.StatusBadRequest,
			wantCode:    errors.InvalidParams,
			wantMessage: "Invalid attempt id",
		},
		{
			name:        "bad request falls back to code message",
			send:        func(c *gin.Context) { response.BadRequest(c, "") },
			wantStatus:  http.StatusBadRequest,
			wantCode:    errors.InvalidParams,
			wantMessage: errors.InvalidParams.Message(),
		},
		{
			name:        "unauthorized",
			send:        func(c *gin.Context) { response.Unauthorized(c, "Missing user id") },
			wantStatus:  http.StatusUnauthorized,
			wantCode:    errors.Unauthorized,
			wantMessage: "Missing user id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			c.Set("trace_id", "trace-1")

			tt.send(c)

			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, w.Code)
			}
			var resp response.Response
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode response failed: %v", err)
			}
			if resp.Code != tt.wantCode || resp.Message != tt.wantMessage || resp.TraceID != "trace-1" {
				t.Fatalf("unexpected response: %+v", resp)
			}
		})
	}
}

func TestSuccessWithPaginationRoundsPagesUp(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	response.SuccessWithPagination(c, []int{1, 2}, 5, 1, 2)

	var resp struct {
		Code errors.ErrorCode   `json:"code"`
		Data response.Paginated `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if resp.Code != errors.Success || resp.Data.TotalPages != 3 || resp.Data.Total != 5 {
		t.Fatalf("unexpected page: %+v", resp)
	}
}
