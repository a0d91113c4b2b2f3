package handlers

import (
	"net/http"

	"bizflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AutomationHandler 自动化规则配置接口
type AutomationHandler struct {
	automation *services.AutomationService
	logger     *logrus.Logger
}

func NewAutomationHandler(automation *services.AutomationService, logger *logrus.Logger) *AutomationHandler {
	return &AutomationHandler{automation: automation, logger: logger}
}

// ListRules 查询规则，可按 entity_kind 过滤
// @Router /api/v1/automations [get]
func (h *AutomationHandler) ListRules(c *gin.Context) {
	rules, err := h.automation.ListRules(c.Request.Context(), c.Query("entity_kind"))
	if err != nil {
		h.logger.Errorf("Failed to list automation rules: %v", err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rules, "total": len(rules)})
}

// GetRule 获取规则详情
// @Router /api/v1/automations/{id} [get]
func (h *AutomationHandler) GetRule(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	rule, err := h.automation.GetRule(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// CreateRule 创建规则；触发器或动作无法解析时返回 400
// @Router /api/v1/automations [post]
func (h *AutomationHandler) CreateRule(c *gin.Context) {
	var req services.AutomationRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	rule, err := h.automation.CreateRule(c.Request.Context(), &req)
	if err != nil {
		h.logger.Warnf("Failed to create automation rule: %v", err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// UpdateRule 更新规则
// @Router /api/v1/automations/{id} [put]
func (h *AutomationHandler) UpdateRule(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req services.AutomationRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	rule, err := h.automation.UpdateRule(c.Request.Context(), id, &req)
	if err != nil {
		h.logger.Warnf("Failed to update automation rule %d: %v", id, err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

type toggleRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// ToggleRule 启用或停用规则
// @Router /api/v1/automations/{id}/toggle [post]
func (h *AutomationHandler) ToggleRule(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	rule, err := h.automation.SetActive(c.Request.Context(), id, *req.Active)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// DeleteRule 删除规则
// @Router /api/v1/automations/{id} [delete]
func (h *AutomationHandler) DeleteRule(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.automation.DeleteRule(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Rule deleted"})
}

// TransitionRequest is the host's notification that an entity changed.
// Old is omitted on first save.
type TransitionRequest struct {
	Kind string                `json:"kind" binding:"required"`
	ID   string                `json:"id" binding:"required"`
	Old  *services.EntityState `json:"old"`
	New  services.EntityState  `json:"new"`
}

// OnTransition runs the automation pipeline for a host-reported transition.
// Automation failures are reported in the body, never as an HTTP error.
// @Router /api/v1/transitions [post]
func (h *AutomationHandler) OnTransition(c *gin.Context) {
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	req.New.Kind = req.Kind
	req.New.ID = req.ID
	result := h.automation.OnTransition(c.Request.Context(), req.Kind, req.ID, req.Old, req.New)
	c.JSON(http.StatusOK, result)
}
