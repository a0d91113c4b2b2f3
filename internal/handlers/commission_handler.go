package handlers

import (
	"net/http"
	"strconv"

	"bizflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// CommissionHandler 佣金规则与佣金记录接口
type CommissionHandler struct {
	commissions *services.CommissionService
	logger      *logrus.Logger
}

func NewCommissionHandler(commissions *services.CommissionService, logger *logrus.Logger) *CommissionHandler {
	return &CommissionHandler{commissions: commissions, logger: logger}
}

// ListRules 查询佣金规则，active=true 时只返回启用的规则
// @Router /api/v1/commission-rules [get]
func (h *CommissionHandler) ListRules(c *gin.Context) {
	activeOnly, _ := strconv.ParseBool(c.Query("active"))
	rules, err := h.commissions.ListRules(c.Request.Context(), activeOnly)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rules, "total": len(rules)})
}

// @Router /api/v1/commission-rules/{id} [get]
func (h *CommissionHandler) GetRule(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	rule, err := h.commissions.GetRule(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// @Router /api/v1/commission-rules [post]
func (h *CommissionHandler) CreateRule(c *gin.Context) {
	var req services.CommissionRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	rule, err := h.commissions.CreateRule(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// UpdateRule 已被佣金引用的规则不可修改，返回 409
// @Router /api/v1/commission-rules/{id} [put]
func (h *CommissionHandler) UpdateRule(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req services.CommissionRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	rule, err := h.commissions.UpdateRule(c.Request.Context(), id, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// @Router /api/v1/commission-rules/{id}/toggle [post]
func (h *CommissionHandler) ToggleRule(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	rule, err := h.commissions.SetRuleActive(c.Request.Context(), id, *req.Active)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// ResolveRequest accepts either a full deal snapshot or just a deal id, in
// which case the deal is loaded from the entity store.
type ResolveRequest struct {
	DealID string                 `json:"deal_id"`
	Deal   *services.DealSnapshot `json:"deal"`
}

// Resolve 计算成交佣金；没有匹配费率时返回 404 no_matching_rate
// @Router /api/v1/commissions/resolve [post]
func (h *CommissionHandler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()

	var err error
	var result interface{}
	switch {
	case req.Deal != nil:
		result, err = h.commissions.ResolveCommission(ctx, *req.Deal)
	case req.DealID != "":
		result, err = h.commissions.ResolveCommissionForDeal(ctx, req.DealID)
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: "deal or deal_id is required"})
		return
	}
	if err != nil {
		h.logger.Warnf("Commission resolution failed: %v", err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListCommissions 按 user_id / deal_id / status 查询佣金
// @Router /api/v1/commissions [get]
func (h *CommissionHandler) ListCommissions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	list, err := h.commissions.ListCommissions(c.Request.Context(), services.CommissionFilter{
		UserID: c.Query("user_id"),
		DealID: c.Query("deal_id"),
		Status: c.Query("status"),
		Limit:  limit,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": list, "total": len(list)})
}

// @Router /api/v1/commissions/{id} [get]
func (h *CommissionHandler) GetCommission(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	commission, err := h.commissions.GetCommission(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, commission)
}

type noteRequest struct {
	Note string `json:"note"`
}

// Approve, Reject, Pay and Void move a commission through its lifecycle.
// Illegal transitions answer 409.

// @Router /api/v1/commissions/{id}/approve [post]
func (h *CommissionHandler) Approve(c *gin.Context) {
	h.lifecycle(c, func(id uint, _ string) (interface{}, error) {
		return h.commissions.Approve(c.Request.Context(), id)
	})
}

// @Router /api/v1/commissions/{id}/reject [post]
func (h *CommissionHandler) Reject(c *gin.Context) {
	h.lifecycle(c, func(id uint, note string) (interface{}, error) {
		return h.commissions.Reject(c.Request.Context(), id, note)
	})
}

// @Router /api/v1/commissions/{id}/pay [post]
func (h *CommissionHandler) Pay(c *gin.Context) {
	h.lifecycle(c, func(id uint, _ string) (interface{}, error) {
		return h.commissions.MarkPaid(c.Request.Context(), id)
	})
}

// @Router /api/v1/commissions/{id}/void [post]
func (h *CommissionHandler) Void(c *gin.Context) {
	h.lifecycle(c, func(id uint, note string) (interface{}, error) {
		return h.commissions.Void(c.Request.Context(), id, note)
	})
}

func (h *CommissionHandler) lifecycle(c *gin.Context, op func(id uint, note string) (interface{}, error)) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req noteRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	commission, err := op(id, req.Note)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, commission)
}
