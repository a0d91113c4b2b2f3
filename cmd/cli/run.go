package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bizflow/internal/config"
	"bizflow/internal/handlers"
	"bizflow/internal/observability"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the HTTP API and the idle scanner",
	Run:   run,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) {
	cfg, log := loadConfig()
	handlers.Version = Version

	// OpenTelemetry 初始化（可选）
	if shutdown, err := observability.SetupTracing(context.Background(), cfg); err == nil {
		defer func() { _ = shutdown(context.Background()) }()
	} else {
		log.Warnf("init tracing: %v", err)
	}

	a, err := newApp(cfg, log)
	if err != nil {
		log.Fatalf("Failed to initialize engine: %v", err)
	}
	defer a.Close()

	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      setupRouter(a),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.hub.Run(gctx)
		return nil
	})
	if cfg.Automation.ScanInterval > 0 {
		g.Go(func() error {
			a.scanner.Start(gctx, cfg.Automation.ScanInterval)
			return nil
		})
	} else {
		log.Warn("automation.scan_interval is not positive, idle scanner disabled")
	}
	g.Go(func() error {
		log.Infof("Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Errorf("Server stopped with error: %v", err)
	}
	log.Info("Server exited")
}

func setupRouter(a *app) *gin.Engine {
	cfg := a.cfg
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(requestLogger(a.logger))
	if cfg.Monitoring.Tracing.Enabled {
		router.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}
	if cfg.Security.CORS.Enabled {
		router.Use(corsMiddleware(cfg.Security.CORS))
	}
	router.Use(handlers.ActorMiddleware())

	health := handlers.NewHealthHandler(a.db, a.redis, a.notifier, a.hub, a.logger)
	router.GET("/health", health.Health)
	router.GET("/ready", health.Ready)
	if cfg.Monitoring.Enabled {
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.Handler()))
	}
	router.GET("/ws/notifications", a.hub.HandleWebSocket)

	api := router.Group("/api/v1")
	handlers.RegisterAutomationRoutes(api, handlers.NewAutomationHandler(a.automation, a.logger))
	handlers.RegisterEntityRoutes(api, handlers.NewEntityHandler(a.repo, a.automation, a.logger))
	handlers.RegisterCommissionRoutes(api, handlers.NewCommissionHandler(a.commissions, a.logger))
	handlers.RegisterAuditRoutes(api, handlers.NewAuditHandler(a.audit))
	handlers.RegisterScanRoutes(api, handlers.NewScanHandler(a.scanner))

	return router
}

// requestLogger 使用 logrus 记录访问日志
func requestLogger(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("request")
	}
}

// corsMiddleware CORS 中间件
func corsMiddleware(cors config.CORSConfig) gin.HandlerFunc {
	origins := strings.Join(cors.AllowedOrigins, ", ")
	methods := strings.Join(append(append([]string{}, cors.AllowedMethods...), "OPTIONS"), ", ")
	headers := strings.Join(cors.AllowedHeaders, ", ")
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", origins)
		c.Header("Access-Control-Allow-Methods", methods)
		c.Header("Access-Control-Allow-Headers", headers)

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
