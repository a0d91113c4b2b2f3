package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"bizflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Version is set by the cli package at start-up.
var Version = "dev"

// HealthHandler 健康检查处理器
type HealthHandler struct {
	db       *gorm.DB
	redis    *redis.Client // 未使用 redis 台账时为 nil
	notifier *services.NotificationService
	hub      *services.NotificationHub
	logger   *logrus.Logger
}

func NewHealthHandler(db *gorm.DB, redisClient *redis.Client, notifier *services.NotificationService, hub *services.NotificationHub, logger *logrus.Logger) *HealthHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &HealthHandler{db: db, redis: redisClient, notifier: notifier, hub: hub, logger: logger}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 服务信息
type ServiceInfo struct {
	Status  string      `json:"status"`
	Latency string      `json:"latency,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// SystemInfo 系统信息
type SystemInfo struct {
	Uptime    string `json:"uptime"`
	GoVersion string `json:"go_version"`
}

var startTime = time.Now()

// Health 健康检查端点
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Version:   Version,
		Timestamp: time.Now(),
		Services:  make(map[string]ServiceInfo),
		System: SystemInfo{
			Uptime:    time.Since(startTime).Round(time.Second).String(),
			GoVersion: runtime.Version(),
		},
	}

	healthy := true
	response.Services["database"] = h.checkDatabase(ctx, &healthy)
	if h.redis != nil {
		response.Services["redis"] = h.checkRedis(ctx, &healthy)
	}
	response.Services["notifier"] = h.checkNotifier()

	statusCode := http.StatusOK
	if !healthy {
		// 数据库或台账不可用时引擎无法工作
		response.Status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, response)
}

// Ready 就绪检查端点，只检查数据库
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	ready := true
	info := h.checkDatabase(ctx, &ready)
	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, gin.H{
		"ready":     ready,
		"timestamp": time.Now(),
		"services":  map[string]string{"database": info.Status},
	})
}

func (h *HealthHandler) checkDatabase(ctx context.Context, healthy *bool) ServiceInfo {
	start := time.Now()
	info := ServiceInfo{Details: map[string]interface{}{"driver": h.db.Dialector.Name()}}

	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	info.Latency = time.Since(start).String()
	if err != nil {
		h.logger.Warnf("database health check failed: %v", err)
		info.Status = "unhealthy"
		info.Error = err.Error()
		*healthy = false
		return info
	}
	info.Status = "healthy"
	return info
}

func (h *HealthHandler) checkRedis(ctx context.Context, healthy *bool) ServiceInfo {
	start := time.Now()
	err := h.redis.Ping(ctx).Err()
	info := ServiceInfo{Latency: time.Since(start).String()}
	if err != nil {
		h.logger.Warnf("redis health check failed: %v", err)
		info.Status = "unhealthy"
		info.Error = err.Error()
		*healthy = false
		return info
	}
	info.Status = "healthy"
	return info
}

// checkNotifier 熔断打开时通知降级，但不影响整体健康状态
func (h *HealthHandler) checkNotifier() ServiceInfo {
	details := map[string]interface{}{}
	status := "healthy"
	if h.notifier != nil {
		if stats := h.notifier.BreakerStats(); stats != nil {
			details["circuit_breaker"] = stats
			if stats["state"] != services.StateClosedCB.String() {
				status = "degraded"
			}
		}
	}
	if h.hub != nil {
		details["websocket_clients"] = h.hub.ClientCount()
	}
	return ServiceInfo{Status: status, Details: details}
}
