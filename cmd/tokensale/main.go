package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tokensale/internal/analytics"
	"tokensale/internal/chain"
	"tokensale/internal/config"
	"tokensale/internal/ledger"
	"tokensale/internal/logging"
	"tokensale/internal/notify"
	"tokensale/internal/operations"
	"tokensale/internal/pricing"
	"tokensale/internal/progress"
	"tokensale/internal/scanner"
	"tokensale/internal/shutdown"
	"tokensale/internal/storage/postgres"
	"tokensale/internal/withdrawal"
	"tokensale/internal/worker"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tokensale",
		Short: "代币售卖结算守护进程",
		Long:  `扫描BTC/ETH入账、换算购买额度并处理链上代币提取的后台守护进程`,
		RunE:  runDaemon,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "configs/config.yaml", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "详细输出")

	progressCmd := &cobra.Command{
		Use:   "progress",
		Short: "查看各地址的扫描进度",
		RunE:  showProgress,
	}
	rootCmd.AddCommand(progressCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	return logger
}

func runDaemon(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}

	// 结构化日志走独立输出，运行事件双写
	structured, err := logging.NewStructuredLogger(cfg.Logging)
	if err != nil {
		logger.Warnf("初始化结构化日志器失败: %v，将使用默认日志", err)
	}
	if structured != nil {
		structured.Info("守护进程启动", "config", configFile)
	}

	endDate, err := cfg.Sale.EndDate()
	if err != nil {
		return fmt.Errorf("解析公售结束时间失败: %w", err)
	}

	store, err := postgres.New(cfg.Database.DSN, postgres.Pool{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: worker.ParseInterval(cfg.Database.ConnMaxLifetime, time.Hour, logger),
	}, logger)
	if err != nil {
		return fmt.Errorf("连接数据库失败: %w", err)
	}

	progressManager, err := progress.NewManager(cfg.Progress.Path, logger)
	if err != nil {
		logger.Warnf("初始化进度管理器失败: %v，扫描将不保存断点", err)
		progressManager = nil
	}

	// 链扫描
	scanTimeout := worker.ParseInterval(cfg.Scanner.RequestTimeout, 30*time.Second, logger)
	btcScanner := scanner.New(store, progressManager,
		scanner.NewBTCExplorer(cfg.Scanner.BlockchainInfoURL,
			worker.ParseInterval(cfg.Scanner.BlockchainInterval, 10*time.Second, logger),
			scanTimeout, logger),
		logger)
	ethScanner := scanner.New(store, progressManager,
		scanner.NewETHExplorer(cfg.Scanner.EtherscanURL, cfg.Scanner.EtherscanAPIKey,
			worker.ParseInterval(cfg.Scanner.EtherscanInterval, 5*time.Second, logger),
			scanTimeout, logger),
		logger)

	// 行情
	ticker := pricing.NewBitfinexTicker(cfg.Pricing.BitfinexURL,
		worker.ParseInterval(cfg.Pricing.SymbolPause, 6*time.Second, logger),
		worker.ParseInterval(cfg.Pricing.RequestTimeout, 15*time.Second, logger), logger)
	priceSvc := pricing.NewService(store, ticker, logger)
	oracle := pricing.NewOracle(store)

	// 分析事件
	var publisher analytics.Publisher = analytics.NoopPublisher{}
	if cfg.Analytics.Enabled {
		kafka, err := analytics.NewKafkaPublisher(cfg.Analytics.Brokers,
			cfg.Analytics.Topics["purchases"], cfg.Analytics.Topics["withdrawals"], logger)
		if err != nil {
			logger.Warnf("连接Kafka失败: %v，分析事件将被丢弃", err)
		} else {
			publisher = kafka
		}
	}

	ledgerSvc := ledger.NewService(store, oracle, publisher, ledger.Config{
		TokenPriceUSD: cfg.Sale.TokenPriceUSD,
		TotalSupply:   cfg.Sale.TotalSupply,
		EndDate:       endDate,
		SupportEmail:  cfg.Sale.SupportEmail,
	}, logger)

	ops := operations.NewService(store, logger)

	// 邮件通知
	mailer := notify.NewMailgunSender(cfg.Mail.BaseURL, cfg.Mail.Domain,
		cfg.Mail.APIKey, cfg.Mail.Sender,
		worker.ParseInterval(cfg.Mail.RequestTimeout, 30*time.Second, logger), logger)
	notifySvc := notify.NewService(store, mailer, notify.Config{
		MaxAttempts:       cfg.Mail.MaxAttempts,
		ConfirmBaseURL:    cfg.Mail.ConfirmBaseURL,
		DeliveryDaysDepth: cfg.Mail.DeliveryDaysDepth,
	}, logger)

	// 链上铸币：节点未配置时提取任务不会注册
	var withdrawals *withdrawal.Manager
	if cfg.Chain.NodeURL != "" {
		minter, err := chain.NewMinter(context.Background(), cfg.Chain.NodeURL,
			cfg.Chain.ManagerPrivateKey, cfg.Chain.ManagerAddress, cfg.Chain.ContractAddress,
			cfg.Chain.NetworkID, cfg.Chain.GasMultiplier,
			worker.ParseInterval(cfg.Chain.RequestTimeout, 30*time.Second, logger), logger)
		if err != nil {
			return fmt.Errorf("初始化铸造器失败: %w", err)
		}
		withdrawals = withdrawal.NewManager(store, minter, ops, publisher,
			withdrawal.Config{MaxPendingCount: cfg.Chain.MaxPendingCount}, logger)
	} else {
		logger.Warn("未配置链节点，跳过提取结算任务")
	}

	// 周期任务
	sched := worker.NewScheduler(store, logger)
	wc := cfg.Worker
	scanInterval := worker.ParseInterval(wc.ScanInterval, time.Hour, logger)
	resendInterval := worker.ParseInterval(wc.ResendInterval, time.Hour, logger)

	sched.Register(worker.JobScanBTC, scanInterval, func(ctx context.Context) error {
		_, err := btcScanner.ScanOnce(ctx)
		return err
	})
	sched.Register(worker.JobScanETH, scanInterval, func(ctx context.Context) error {
		_, err := ethScanner.ScanOnce(ctx)
		return err
	})
	sched.Register(worker.JobFetchPrices,
		worker.ParseInterval(wc.PriceInterval, time.Minute, logger), priceSvc.FetchOnce)
	sched.Register(worker.JobCalculatePurchases,
		worker.ParseInterval(wc.PurchaseInterval, 5*time.Minute, logger), ledgerSvc.CalculatePurchases)
	sched.Register(worker.JobSendNotifications,
		worker.ParseInterval(wc.NotifyInterval, 20*time.Second, logger), notifySvc.SendPending)
	sched.Register(worker.JobNotifyPurchases,
		worker.ParseInterval(wc.NotifyInterval, 20*time.Second, logger), notifySvc.NotifyPurchases)
	sched.Register(worker.JobResendOperations, resendInterval, func(ctx context.Context) error {
		return ops.ResendUnconfirmed(ctx, resendInterval)
	})
	if withdrawals != nil {
		sched.Register(worker.JobProcessWithdrawals,
			worker.ParseInterval(wc.SettlementInterval, 5*time.Minute, logger), withdrawals.ProcessConfirmed)
		sched.Register(worker.JobCheckSubmitted,
			worker.ParseInterval(wc.StatusCheckInterval, 5*time.Minute, logger), withdrawals.CheckSubmitted)
	}
	if cfg.Mail.DeliveryCheck {
		sched.Register(worker.JobCheckDeliveries, resendInterval, notifySvc.CheckDeliveries)
	}

	if structured != nil {
		for _, name := range sched.JobNames() {
			logging.NewJobLogger(structured, name).Info("周期任务已注册")
		}
	}

	// 优雅停机
	gs := shutdown.New(30*time.Second, logger)
	gs.Register("调度器", shutdown.OrderStopWorkers, func(ctx context.Context) error {
		sched.Wait()
		return nil
	})
	gs.Register("分析事件", shutdown.OrderFlushProducers, func(ctx context.Context) error {
		return publisher.Close()
	})
	gs.Register("数据库", shutdown.OrderCloseStore, func(ctx context.Context) error {
		return store.Close()
	})
	if progressManager != nil {
		gs.Register("扫描进度", shutdown.OrderCloseProgress, func(ctx context.Context) error {
			return progressManager.Close()
		})
	}

	gs.Start()
	sched.Start(gs.Context())
	gs.Wait()

	if structured != nil {
		structured.Info("守护进程已退出")
	}
	return nil
}

// showProgress 打印各地址的扫描断点
func showProgress(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}

	pm, err := progress.NewManager(cfg.Progress.Path, logger)
	if err != nil {
		return fmt.Errorf("打开进度文件失败: %w", err)
	}
	defer pm.Close()

	checkpoints, err := pm.ListCheckpoints()
	if err != nil {
		return fmt.Errorf("读取扫描断点失败: %w", err)
	}

	fmt.Println("扫描进度")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Printf("进度文件: %s\n", pm.GetDBPath())
	for k, v := range pm.GetStats() {
		fmt.Printf("%-20s: %v\n", k, v)
	}
	for _, cp := range checkpoints {
		fmt.Printf("%s %s 已见交易: %d 最后扫描: %s\n",
			cp.Currency, cp.Address, cp.SeenTxs, cp.LastScanTime.Format(time.RFC3339))
	}
	return nil
}
