package httpserver

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"civicledger/internal/ledger"
	"civicledger/internal/model"
	"civicledger/pkg/otel"
)

// Check 是一个就绪检查项
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Replayer 重放 outbox 中发送失败的事件
type Replayer interface {
	ReplayEvent(ctx context.Context, eventID int64) error
	ReplayFailedEvents(ctx context.Context, limit int) (int, error)
}

// TokenVerifier 校验 Bearer token 并返回调用方身份
type TokenVerifier interface {
	Authenticate(token string) (model.Identity, error)
}

// Auditor 用事件日志核对账本当前状态
type Auditor interface {
	Audit(ctx context.Context) (*ledger.AuditReport, error)
}

type Deps struct {
	Logger   *zap.Logger
	Checks   []Check
	Replayer Replayer // memory backend 下为 nil
	Auditor  Auditor
	Verifier TokenVerifier
	// 只有这些身份可以访问 /admin，为空时拒绝所有请求
	Operators []model.Identity
}

const defaultReplayLimit = 100

// NewRouter 创建运维 HTTP 路由：健康检查、就绪检查、指标、outbox 重放和账本审计
func NewRouter(deps Deps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otel.GinMiddleware())

	// 请求日志中间件
	r.Use(func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("HTTP Request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("trace_id", c.Writer.Header().Get(otel.TraceHeader)),
		)
	})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		for _, check := range deps.Checks {
			if err := check.Fn(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": check.Name + "_not_ready",
					"error":  err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	admin := r.Group("/admin")
	admin.Use(authMiddleware(deps.Verifier, deps.Operators, logger))
	admin.POST("/outbox/replay", replayHandler(deps.Replayer, logger))
	admin.GET("/ledger/audit", auditHandler(deps.Auditor, logger))

	return r
}

func authMiddleware(verifier TokenVerifier, operators []model.Identity, logger *zap.Logger) gin.HandlerFunc {
	allowed := make(map[model.Identity]struct{}, len(operators))
	for _, id := range operators {
		allowed[id] = struct{}{}
	}

	return func(c *gin.Context) {
		if verifier == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "authentication not configured"})
			return
		}

		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		identity, err := verifier.Authenticate(strings.TrimSpace(token))
		if err != nil {
			logger.Warn("Rejected admin request", zap.String("path", c.Request.URL.Path), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		if _, ok := allowed[identity]; !ok {
			logger.Warn("Admin request from non-operator",
				zap.String("path", c.Request.URL.Path),
				zap.String("identity", identity.String()),
			)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not an operator"})
			return
		}

		c.Set("identity", identity)
		c.Next()
	}
}

// replayHandler 重放指定事件（?event_id=）或一批失败事件（?limit=）
func replayHandler(replayer Replayer, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if replayer == nil {
			c.JSON(http.StatusNotImplemented, gin.H{"error": "outbox is not enabled for this backend"})
			return
		}
		ctx := c.Request.Context()

		if raw := c.Query("event_id"); raw != "" {
			eventID, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || eventID <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event_id"})
				return
			}
			if err := replayer.ReplayEvent(ctx, eventID); err != nil {
				logger.Error("Outbox event replay failed", zap.Int64("event_id", eventID), zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"replayed": 1})
			return
		}

		limit := defaultReplayLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
				return
			}
			limit = n
		}

		replayed, err := replayer.ReplayFailedEvents(ctx, limit)
		if err != nil {
			logger.Error("Outbox replay failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		caller, _ := c.Get("identity")
		logger.Info("Outbox replay finished",
			zap.Int("replayed", replayed),
			zap.Any("caller", caller),
		)
		c.JSON(http.StatusOK, gin.H{"replayed": replayed})
	}
}

// auditHandler 重放事件日志并返回与当前状态不一致的字段
func auditHandler(auditor Auditor, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if auditor == nil {
			c.JSON(http.StatusNotImplemented, gin.H{"error": "audit is not enabled"})
			return
		}

		report, err := auditor.Audit(c.Request.Context())
		if err != nil {
			logger.Error("Ledger audit failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		status := http.StatusOK
		if !report.Consistent() {
			status = http.StatusConflict
		}
		c.JSON(status, report)
	}
}
