package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/usufzan/portico/core"
)

// Server API服务器，只暴露池的窄接口：选取、反馈、统计与运维开关
type Server struct {
	pool      *core.Pool
	scheduler *core.Scheduler
	logger    *zap.Logger
}

// NewServer 创建API服务器
func NewServer(pool *core.Pool, scheduler *core.Scheduler, logger *zap.Logger) *Server {
	return &Server{
		pool:      pool,
		scheduler: scheduler,
		logger:    logger,
	}
}

// Run 启动API服务器
func (s *Server) Run(addr string) error {
	return s.Engine().Run(addr)
}

// Engine 构建路由
func (s *Server) Engine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	{
		// 代理选取与反馈
		api.GET("/proxy", s.getProxy)
		api.POST("/proxy/status", s.reportStatus)

		// 代理池状态
		api.GET("/stats", s.getStats)

		// 运维接口
		api.POST("/refresh", s.forceRefresh)
		api.POST("/enable", s.enable)
		api.POST("/disable", s.disable)
		api.PUT("/config", s.updateConfig)
	}
	return r
}

// getProxy 获取单个代理
func (s *Server) getProxy(c *gin.Context) {
	proxy, err := s.pool.GetProxy()
	if err != nil {
		if errors.Is(err, core.ErrNoProxyAvailable) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"key":      proxy.Key(),
		"host":     proxy.Host,
		"port":     proxy.Port,
		"protocol": proxy.Protocol,
	})
}

// statusRequest 使用反馈请求体
type statusRequest struct {
	Key     string `json:"key" binding:"required"`
	Success bool   `json:"success"`
}

// reportStatus 报告代理使用结果
func (s *Server) reportStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.pool.RecordResult(req.Key, req.Success)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// getStats 获取代理池统计
func (s *Server) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.pool.GetStats())
}

// forceRefresh 触发一次强制刷新，并发触发会合并进在途周期
func (s *Server) forceRefresh(c *gin.Context) {
	result, err := s.scheduler.ForceRefresh(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// enable 启用代理池
func (s *Server) enable(c *gin.Context) {
	s.pool.Enable()
	c.JSON(http.StatusOK, gin.H{"enabled": true})
}

// disable 禁用代理池
func (s *Server) disable(c *gin.Context) {
	s.pool.Disable()
	c.JSON(http.StatusOK, gin.H{"enabled": false})
}

// configRequest 运行期可调参数，毫秒单位的时间字段
type configRequest struct {
	ProbeTimeoutMs      *int64   `json:"probe_timeout_ms"`
	ValidateConcurrency *int     `json:"validate_concurrency"`
	RefreshIntervalMs   *int64   `json:"refresh_interval_ms"`
	MaxPoolSize         *int     `json:"max_pool_size"`
	TestTargets         []string `json:"test_targets"`
}

// updateConfig 更新运行期配置，校验失败直接拒绝
func (s *Server) updateConfig(c *gin.Context) {
	var req configRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var tuning core.Tuning
	if req.ProbeTimeoutMs != nil {
		d := time.Duration(*req.ProbeTimeoutMs) * time.Millisecond
		tuning.ProbeTimeout = &d
	}
	if req.RefreshIntervalMs != nil {
		d := time.Duration(*req.RefreshIntervalMs) * time.Millisecond
		tuning.RefreshInterval = &d
	}
	tuning.ValidateConcurrency = req.ValidateConcurrency
	tuning.MaxPoolSize = req.MaxPoolSize
	tuning.TestTargets = req.TestTargets

	if err := s.scheduler.ApplyTuning(tuning); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
