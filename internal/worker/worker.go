package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tokensale/internal/storage"
)

// Job 周期任务。Run在持有同名分布式锁的前提下执行。
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler 周期任务调度器。每个任务一个独立协程，按各自间隔触发；
// 触发时先抢占以任务名命名的锁，抢不到说明其他实例正在处理，本轮跳过。
type Scheduler struct {
	locker storage.Locker
	logger *logrus.Logger
	jobs   []Job
	wg     sync.WaitGroup
}

// NewScheduler 创建调度器
func NewScheduler(locker storage.Locker, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		locker: locker,
		logger: logger,
	}
}

// Register 注册周期任务
func (s *Scheduler) Register(name string, interval time.Duration, run func(ctx context.Context) error) {
	if interval <= 0 {
		interval = time.Minute
	}
	s.jobs = append(s.jobs, Job{Name: name, Interval: interval, Run: run})
	s.logger.Debugf("注册周期任务: %s (间隔: %v)", name, interval)
}

// JobNames 已注册任务的名称，按注册顺序
func (s *Scheduler) JobNames() []string {
	names := make([]string, 0, len(s.jobs))
	for _, job := range s.jobs {
		names = append(names, job.Name)
	}
	return names
}

// Start 启动所有任务协程。ctx取消后各协程退出，用Wait等待收尾。
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Infof("调度器启动，共 %d 个周期任务", len(s.jobs))
	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, job)
	}
}

// Wait 等待所有任务协程退出
func (s *Scheduler) Wait() {
	s.wg.Wait()
	s.logger.Info("调度器已停止")
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()

	// 启动后先跑一轮，不等第一个tick
	s.runOnce(ctx, job)

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runOnce(ctx, job)
		case <-ctx.Done():
			s.logger.Debugf("任务 %s 退出", job.Name)
			return
		}
	}
}

// runOnce 执行一轮任务。panic只终止本轮，不拖垮整个调度器。
func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("任务 %s 发生panic: %v", job.Name, r)
		}
	}()

	start := time.Now()
	skipped, err := s.locker.WithLock(ctx, job.Name, func(ctx context.Context) error {
		return job.Run(ctx)
	})

	switch {
	case err != nil:
		s.logger.Errorf("任务 %s 执行失败 (耗时: %v): %v", job.Name, time.Since(start), err)
	case skipped:
		s.logger.Debugf("任务 %s 的锁被其他实例持有，本轮跳过", job.Name)
	default:
		s.logger.Debugf("任务 %s 完成 (耗时: %v)", job.Name, time.Since(start))
	}
}

// ParseInterval 解析配置里的间隔字符串，解析失败时退回默认值
func ParseInterval(raw string, fallback time.Duration, logger *logrus.Logger) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warnf("无法解析间隔 %q，使用默认值 %v: %v", raw, fallback, err)
		return fallback
	}
	return d
}

// 任务名同时是锁名，多实例部署时保证同名任务全局只有一个在跑
const (
	JobScanBTC            = "scan_btc"
	JobScanETH            = "scan_eth"
	JobFetchPrices        = "fetch_prices"
	JobCalculatePurchases = "calculate_purchases"
	JobProcessWithdrawals = "process_withdrawals"
	JobCheckSubmitted     = "check_submitted"
	JobSendNotifications  = "send_notifications"
	JobNotifyPurchases    = "notify_purchases"
	JobResendOperations   = "resend_operations"
	JobCheckDeliveries    = "check_deliveries"
)

var ErrJobNotRegistered = fmt.Errorf("任务未注册")

// RunNamed 按名称立即执行一个已注册任务，供手工触发使用
func (s *Scheduler) RunNamed(ctx context.Context, name string) error {
	for _, job := range s.jobs {
		if job.Name == name {
			skipped, err := s.locker.WithLock(ctx, job.Name, func(ctx context.Context) error {
				return job.Run(ctx)
			})
			if err != nil {
				return err
			}
			if skipped {
				return fmt.Errorf("任务 %s 正在其他实例执行", name)
			}
			return nil
		}
	}
	return ErrJobNotRegistered
}
