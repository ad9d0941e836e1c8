// Command signalhub runs the WebRTC signaling service: room registry,
// dual transport frontends, and the supporting HTTP façade.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agatx/serenada/internal/v1/bus"
	"github.com/agatx/serenada/internal/v1/config"
	"github.com/agatx/serenada/internal/v1/health"
	"github.com/agatx/serenada/internal/v1/httpapi"
	"github.com/agatx/serenada/internal/v1/hub"
	"github.com/agatx/serenada/internal/v1/ids"
	"github.com/agatx/serenada/internal/v1/logging"
	"github.com/agatx/serenada/internal/v1/middleware"
	"github.com/agatx/serenada/internal/v1/originguard"
	"github.com/agatx/serenada/internal/v1/ratelimit"
	"github.com/agatx/serenada/internal/v1/tokenstore"
	"github.com/agatx/serenada/internal/v1/transport"
	"go.uber.org/zap"
)

const (
	shutdownGrace  = 5 * time.Second
	tokenSweepTick = 30 * time.Second
)

func main() {
	loadDotEnv()

	cfg, err := config.ValidateEnv()
	if err != nil {
		// logging isn't initialized yet; config validation failures go to
		// stderr directly so operators see them even if log setup itself
		// is what's broken.
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	ctx := context.Background()

	guard := originguard.New(cfg.AllowedOrigins)
	minter := ids.NewRoomIDMinter(cfg.RoomIDSecret, cfg.RoomIDEnv)
	tokens := tokenstore.New()
	stopSweeper := make(chan struct{})
	tokens.RunSweeper(stopSweeper, tokenSweepTick)

	var redisService *bus.Service
	if cfg.RedisEnabled {
		redisService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Fatal(ctx, "failed to connect to redis", zap.Error(err))
		}
		defer redisService.Close()
	}

	limiter, err := ratelimit.NewRateLimiter(cfg, redisService.Client())
	if err != nil {
		logging.Fatal(ctx, "failed to initialize rate limiter", zap.Error(err))
	}

	h := hub.New(minter, tokens, redisService, cfg.TURNHost, cfg.TURNSecret)

	devicePage, err := os.ReadFile(staticPath("static/device-check.html"))
	if err != nil {
		logging.Warn(ctx, "device-check page not found, serving empty page", zap.Error(err))
		devicePage = []byte("<html><body>device check unavailable</body></html>")
	}
	api := httpapi.New(minter, tokens, guard, cfg.TURNHost, cfg.TURNSecret, devicePage)

	healthHandler := health.NewHandler(redisService, cfg.RoomIDSecret != "")

	wsUpgrader := transport.NewWSUpgrader(h, guard)
	sseAdapter := transport.NewSSEAdapter(h, guard)
	defer sseAdapter.Shutdown()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOriginFunc = func(origin string) bool { return true } // each handler checks originguard itself
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "X-Turn-Token", "X-SSE-SID")
	router.Use(cors.New(corsCfg))

	router.GET("/ws", limiter.Middleware(ratelimit.EndpointWSUpgrade), wsUpgrader.Handle)
	router.GET("/events", sseAdapter.HandleStream)
	router.POST("/events", limiter.Middleware(ratelimit.EndpointSSEPost), sseAdapter.HandlePost)

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/room-id", limiter.Middleware(ratelimit.EndpointRoomIDMint), api.RoomID)
		apiGroup.POST("/turn-credentials", limiter.Middleware(ratelimit.EndpointCredMint), api.TurnCredentials)
		apiGroup.POST("/diagnostic-token", limiter.Middleware(ratelimit.EndpointDiagnostic), api.DiagnosticToken)
	}
	router.GET("/device-check", api.DeviceCheck)

	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "signaling hub starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	close(stopSweeper)
	h.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shutdown", zap.Error(err))
	}

	logging.Info(ctx, "shutdown complete")
}

func loadDotEnv() {
	for _, path := range []string{".env", "../../../.env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			return
		}
	}
}

func staticPath(rel string) string {
	if wd, err := os.Getwd(); err == nil {
		return wd + "/" + rel
	}
	return rel
}
