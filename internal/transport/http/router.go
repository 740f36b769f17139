package http

import (
	"github.com/gin-gonic/gin"
	"github.com/marcusvh/wallet-ledger/internal/config"
	"go.uber.org/zap"
)

func NewRouter(h *Handler, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	h.RegisterHandlers(r)
	return r
}
