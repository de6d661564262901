package main

import (
	"context"
	"flag"
	"time"

	"github.com/sirupsen/logrus"

	"tokensale/internal/analytics"
	"tokensale/internal/api"
	"tokensale/internal/chain"
	"tokensale/internal/config"
	saleerrors "tokensale/internal/errors"
	"tokensale/internal/ledger"
	"tokensale/internal/operations"
	"tokensale/internal/pricing"
	"tokensale/internal/shutdown"
	"tokensale/internal/storage/postgres"
	"tokensale/internal/withdrawal"
	"tokensale/internal/worker"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "配置文件路径")
	listenAddr = flag.String("listen", "", "监听地址，覆盖配置文件")
	verbose    = flag.Bool("verbose", false, "详细输出")
)

// offlineMinter 占位铸造器。API进程只发起提取，上链由守护进程负责；
// 万一被调用直接报错而不是吞掉。
type offlineMinter struct{}

func (offlineMinter) Mint(context.Context, string, float64) (string, error) {
	return "", saleerrors.NewChainError("API进程未配置链节点", nil)
}

func (offlineMinter) TransactionStatus(context.Context, string) (string, bool, error) {
	return "", false, saleerrors.NewChainError("API进程未配置链节点", nil)
}

func main() {
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatalf("加载配置失败: %v", err)
	}

	endDate, err := cfg.Sale.EndDate()
	if err != nil {
		logger.Fatalf("解析公售结束时间失败: %v", err)
	}

	store, err := postgres.New(cfg.Database.DSN, postgres.Pool{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: worker.ParseInterval(cfg.Database.ConnMaxLifetime, time.Hour, logger),
	}, logger)
	if err != nil {
		logger.Fatalf("连接数据库失败: %v", err)
	}

	// API进程不发分析事件也不上链，这些留给守护进程
	publisher := analytics.NoopPublisher{}
	oracle := pricing.NewOracle(store)
	ledgerSvc := ledger.NewService(store, oracle, publisher, ledger.Config{
		TokenPriceUSD: cfg.Sale.TokenPriceUSD,
		TotalSupply:   cfg.Sale.TotalSupply,
		EndDate:       endDate,
		SupportEmail:  cfg.Sale.SupportEmail,
	}, logger)
	ops := operations.NewService(store, logger)

	var minter withdrawal.Minter = offlineMinter{}
	if cfg.Chain.NodeURL != "" {
		m, err := chain.NewMinter(context.Background(), cfg.Chain.NodeURL,
			cfg.Chain.ManagerPrivateKey, cfg.Chain.ManagerAddress, cfg.Chain.ContractAddress,
			cfg.Chain.NetworkID, cfg.Chain.GasMultiplier,
			worker.ParseInterval(cfg.Chain.RequestTimeout, 30*time.Second, logger), logger)
		if err != nil {
			logger.Warnf("初始化铸造器失败: %v，提取上链由守护进程处理", err)
		} else {
			minter = m
		}
	}
	withdrawals := withdrawal.NewManager(store, minter, ops, publisher,
		withdrawal.Config{MaxPendingCount: cfg.Chain.MaxPendingCount}, logger)

	addr := cfg.API.ListenAddr
	if *listenAddr != "" {
		addr = *listenAddr
	}

	server := api.NewServer(store, ledgerSvc, withdrawals, ops, oracle, api.Config{
		ListenAddr:    addr,
		Mode:          cfg.API.Mode,
		TokenPriceUSD: cfg.Sale.TokenPriceUSD,
		TotalSupply:   cfg.Sale.TotalSupply,
	}, logger)

	gs := shutdown.New(30*time.Second, logger)
	gs.Register("HTTP服务", shutdown.OrderStopAPI, server.Stop)
	gs.Register("数据库", shutdown.OrderCloseStore, func(ctx context.Context) error {
		return store.Close()
	})
	gs.Start()

	go func() {
		if err := server.Start(); err != nil {
			logger.Errorf("HTTP服务异常退出: %v", err)
			gs.Shutdown()
		}
	}()

	gs.Wait()
	logger.Info("服务器已关闭")
}
