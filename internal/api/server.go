package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"tokensale/internal/ledger"
	"tokensale/internal/operations"
	"tokensale/internal/pricing"
	"tokensale/internal/storage"
	"tokensale/internal/withdrawal"
)

// Config API服务配置
type Config struct {
	ListenAddr    string
	Mode          string // gin模式
	TokenPriceUSD float64
	TotalSupply   float64
}

// Server 售卖对外HTTP服务
type Server struct {
	store       storage.Storage
	ledger      *ledger.Service
	withdrawals *withdrawal.Manager
	ops         *operations.Service
	oracle      *pricing.Oracle
	cfg         Config
	logger      *logrus.Logger
	logBuffer   *LogBuffer
	server      *http.Server
}

// NewServer 创建API服务器
func NewServer(store storage.Storage, ledgerSvc *ledger.Service, withdrawals *withdrawal.Manager,
	ops *operations.Service, oracle *pricing.Oracle, cfg Config, logger *logrus.Logger) *Server {

	logBuffer := NewLogBuffer(1000)
	logger.AddHook(logBuffer.Hook())

	return &Server{
		store:       store,
		ledger:      ledgerSvc,
		withdrawals: withdrawals,
		ops:         ops,
		oracle:      oracle,
		cfg:         cfg,
		logger:      logger,
		logBuffer:   logBuffer,
	}
}

// Router 组装gin路由
func (s *Server) Router() *gin.Engine {
	if s.cfg.Mode != "" {
		gin.SetMode(s.cfg.Mode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	// CORS中间件
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	router.GET("/health", s.healthCheck)

	api := router.Group("/api/v1")
	{
		// 售卖进度与行情
		api.GET("/raised", s.getRaised)
		api.GET("/prices/:currency", s.getPrice)

		// 用户与充值地址
		api.POST("/users", s.createUser)
		api.GET("/users/:id", s.getUser)
		api.GET("/users/:id/addresses", s.getUserAddresses)
		api.GET("/users/:id/balance", s.getUserBalance)

		// 提取与二次确认操作
		api.POST("/users/:id/withdrawals", s.requestWithdrawal)
		api.GET("/withdrawals/:id", s.getWithdrawal)
		api.POST("/users/:id/withdraw-address", s.changeWithdrawAddress)
		api.POST("/operations/confirm", s.confirmOperation)

		// 运维
		api.POST("/addresses", s.addPoolAddresses)
		api.GET("/logs", s.getLogs)
	}

	return router
}

// Start 启动HTTP服务，阻塞到服务退出
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Infof("API服务器启动在 %s", s.cfg.ListenAddr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop 优雅停止HTTP服务
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// healthCheck 健康检查：数据库可达即视为健康
func (s *Server) healthCheck(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "tokensale-api",
	})
}
