package handler

import (
	"creditflow/internal/event"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler, logger *zap.Logger) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	// 金额字段是 decimal，需要让 gt/gte 等校验规则认识它
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		event.RegisterDecimal(v)
	}

	r := gin.New()

	// 注册中间件
	httpLogger := logger.Named("HTTP")
	r.Use(RecoveryMiddleware(httpLogger))
	r.Use(LoggerMiddleware(httpLogger))
	r.Use(CORSMiddleware())

	// API 路由组
	api := r.Group("/api/v1")
	{
		applications := api.Group("/applications")
		{
			applications.POST("", h.SubmitApplication)
			applications.GET("/:id", h.GetApplication)
			applications.GET("/:id/assessment", h.GetAssessment)
		}

		api.GET("/outbox/stats", h.OutboxStats)
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
