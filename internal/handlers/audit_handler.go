package handlers

import (
	"net/http"
	"strconv"

	"bizflow/internal/services"

	"github.com/gin-gonic/gin"
)

// AuditHandler 审计日志查询
type AuditHandler struct {
	audit *services.AuditService
}

func NewAuditHandler(audit *services.AuditService) *AuditHandler {
	return &AuditHandler{audit: audit}
}

// ListEntries 按实体、规则或转换查询审计记录
// @Router /api/v1/audit [get]
func (h *AuditHandler) ListEntries(c *gin.Context) {
	filter := services.AuditFilter{
		EntityType:   c.Query("entity_type"),
		EntityID:     c.Query("entity_id"),
		TransitionID: c.Query("transition_id"),
	}
	if v := c.Query("rule_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: "rule_id must be a number"})
			return
		}
		ruleID := uint(id)
		filter.RuleID = &ruleID
	}
	if v := c.Query("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}

	entries, err := h.audit.ListEntries(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entries, "total": len(entries)})
}

// ScanHandler triggers idle scan cycles on demand.
type ScanHandler struct {
	scanner *services.IdleScanner
}

func NewScanHandler(scanner *services.IdleScanner) *ScanHandler {
	return &ScanHandler{scanner: scanner}
}

// RunIdleScan 立即执行一轮空闲扫描；已有扫描在运行时返回 409
// @Router /api/v1/scans/idle [post]
func (h *ScanHandler) RunIdleScan(c *gin.Context) {
	report, err := h.scanner.RunIdleScanCycle(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
