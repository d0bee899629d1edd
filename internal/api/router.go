package api

import (
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/d60-Lab/pubqueue/config"
	"github.com/d60-Lab/pubqueue/internal/api/handler"
	"github.com/d60-Lab/pubqueue/internal/api/middleware"
	"github.com/d60-Lab/pubqueue/internal/model"
)

// NewRouter 组装路由与中间件
func NewRouter(h *handler.Handler, cfg *config.Config) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)
	registerValidations()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(sentrygin.New(sentrygin.Options{Repanic: true}))
	r.Use(otelgin.Middleware(cfg.Telemetry.ServiceName))
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	r.GET("/health", h.Health)
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	v1 := r.Group("/v1", middleware.Identity())
	{
		v1.POST("/queue", h.Enqueue)
		v1.GET("/queue/:id", h.Get)
		v1.POST("/queue/:id/dispatch", h.Dispatch)
		v1.GET("/dlq", h.ListDead)
		v1.POST("/dlq/:job_id/requeue", h.RequeueDead)
	}
	return r
}

// registerValidations 注册 binding 里用到的自定义校验（平台枚举）
func registerValidations() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("platform", func(fl validator.FieldLevel) bool {
			return model.IsSupportedPlatform(fl.Field().String())
		})
	}
}
