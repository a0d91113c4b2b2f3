package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"bizflow/internal/services"

	"github.com/gin-gonic/gin"
)

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// SuccessResponse 成功响应结构
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ActorHeader carries the id of the user performing a configuration change.
const ActorHeader = "X-Actor-ID"

// ActorMiddleware 将请求头中的操作人写入 context，供审计使用
func ActorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if actor := c.GetHeader(ActorHeader); actor != "" {
			c.Request = c.Request.WithContext(services.WithActor(c.Request.Context(), actor))
		}
		c.Next()
	}
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid ID",
			Message: "ID must be a valid number",
		})
		return 0, false
	}
	return uint(id), true
}

// errorStatus maps engine errors to an HTTP status and a stable error code.
func errorStatus(err error) (int, string) {
	var cfgErr *services.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest, "invalid_configuration"
	case errors.Is(err, services.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, services.ErrNoMatchingRate):
		return http.StatusNotFound, "no_matching_rate"
	case errors.Is(err, services.ErrRuleNotFound):
		return http.StatusNotFound, "rule_not_found"
	case errors.Is(err, services.ErrCommissionNotFound):
		return http.StatusNotFound, "commission_not_found"
	case errors.Is(err, services.ErrEntityNotFound):
		return http.StatusNotFound, "entity_not_found"
	case errors.Is(err, services.ErrInvalidCommissionTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, services.ErrRuleReferenced):
		return http.StatusConflict, "rule_referenced"
	case errors.Is(err, services.ErrDealNotWon):
		return http.StatusConflict, "deal_not_won"
	case errors.Is(err, services.ErrScanInProgress):
		return http.StatusConflict, "scan_in_progress"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func respondError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	c.JSON(status, ErrorResponse{Error: code, Message: err.Error(), Code: status})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   "Invalid request body",
		Message: err.Error(),
	})
}
