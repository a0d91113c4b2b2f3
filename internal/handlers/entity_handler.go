package handlers

import (
	"errors"
	"net/http"

	"bizflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// EntityHandler lets a host persist entity changes through the engine, so
// every save is followed by the automation pipeline.
type EntityHandler struct {
	repo       *services.GormEntityRepository
	automation *services.AutomationService
	logger     *logrus.Logger
}

func NewEntityHandler(repo *services.GormEntityRepository, automation *services.AutomationService, logger *logrus.Logger) *EntityHandler {
	return &EntityHandler{repo: repo, automation: automation, logger: logger}
}

// EntityUpdateRequest 实体部分更新，未提供的字段保持不变
type EntityUpdateRequest struct {
	Name       *string                `json:"name"`
	Status     *string                `json:"status"`
	Value      *float64               `json:"value"`
	AssigneeID *string                `json:"assignee_id"`
	Fields     map[string]interface{} `json:"fields"`
}

func (r EntityUpdateRequest) patch() services.EntityPatch {
	return services.EntityPatch{
		Name:       r.Name,
		Status:     r.Status,
		Value:      r.Value,
		AssigneeID: r.AssigneeID,
		Fields:     r.Fields,
	}
}

// EntityMutationResponse 保存后的实体与自动化执行结果
type EntityMutationResponse struct {
	Entity     *services.EntityState      `json:"entity"`
	Automation *services.TransitionResult `json:"automation"`
}

// GetEntity 获取实体
// @Router /api/v1/entities/{kind}/{id} [get]
func (h *EntityHandler) GetEntity(c *gin.Context) {
	entity, err := h.repo.Load(c.Request.Context(), c.Param("kind"), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entity)
}

// CreateEntity 首次保存实体，触发 old 为空的转换
// @Router /api/v1/entities/{kind} [post]
func (h *EntityHandler) CreateEntity(c *gin.Context) {
	var state services.EntityState
	if err := c.ShouldBindJSON(&state); err != nil {
		badRequest(c, err)
		return
	}
	if state.ID == "" {
		badRequest(c, errors.New("id is required"))
		return
	}
	state.Kind = c.Param("kind")

	ctx := c.Request.Context()
	saved, err := h.repo.Create(ctx, state)
	if err != nil {
		h.logger.Errorf("Failed to create %s %s: %v", state.Kind, state.ID, err)
		respondError(c, err)
		return
	}
	result := h.automation.OnTransition(ctx, saved.Kind, saved.ID, nil, *saved)
	c.JSON(http.StatusCreated, EntityMutationResponse{Entity: saved, Automation: result})
}

// UpdateEntity 更新实体并运行自动化
// @Router /api/v1/entities/{kind}/{id} [put]
func (h *EntityHandler) UpdateEntity(c *gin.Context) {
	var req EntityUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	kind, id := c.Param("kind"), c.Param("id")

	ctx := c.Request.Context()
	old, err := h.repo.Load(ctx, kind, id)
	if err != nil {
		respondError(c, err)
		return
	}
	saved, err := h.repo.Save(ctx, kind, id, req.patch())
	if err != nil {
		h.logger.Errorf("Failed to save %s %s: %v", kind, id, err)
		respondError(c, err)
		return
	}
	result := h.automation.OnTransition(ctx, kind, id, old, *saved)
	c.JSON(http.StatusOK, EntityMutationResponse{Entity: saved, Automation: result})
}
