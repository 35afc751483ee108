package web

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vadiminshakov/spendflow/internal/domain"
)

type apiResponse struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    any            `json:"data,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func Ok(c *gin.Context, data any, meta map[string]any) {
	c.JSON(http.StatusOK, apiResponse{
		Code:    0,
		Message: "ok",
		Data:    data,
		Meta:    meta,
	})
}

func Error(c *gin.Context, status int, message string, meta map[string]any) {
	c.JSON(status, apiResponse{
		Code:    status,
		Message: message,
		Meta:    meta,
	})
}

// Fail responds with the status matching the error category. The record,
// when present, is attached so callers see what was persisted.
func Fail(c *gin.Context, err error, record *domain.ExecutionRecord) {
	meta := map[string]any{
		"category": string(domain.CategoryOf(err)),
		"detail":   domain.Describe(err),
	}
	if record != nil {
		meta["record"] = record
	}

	Error(c, StatusFor(err), err.Error(), meta)
}

// StatusFor maps an error category to an HTTP status.
func StatusFor(err error) int {
	switch domain.CategoryOf(err) {
	case domain.CategoryValidation:
		return http.StatusBadRequest
	case domain.CategoryNotFound:
		return http.StatusNotFound
	case domain.CategoryNotDue:
		return http.StatusTooManyRequests
	case domain.CategoryPrecondition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
