package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// 停机顺序：先停止对外服务，再停周期任务，最后断开外部连接
const (
	OrderStopAPI        = 10 // 停止HTTP服务
	OrderStopWorkers    = 20 // 停止周期任务调度
	OrderFlushProducers = 30 // 刷新分析事件缓冲
	OrderCloseChain     = 40 // 断开链节点连接
	OrderCloseStore     = 50 // 关闭数据库
	OrderCloseProgress  = 60 // 关闭扫描进度文件
)

// Hook 一个停机步骤
type Hook struct {
	Name  string
	Order int // 数字越小越早执行
	Func  func(ctx context.Context) error
}

// GracefulShutdown 优雅停机管理器。监听SIGINT/SIGTERM/SIGQUIT，
// 收到信号后按Order依次执行已注册的停机步骤。
type GracefulShutdown struct {
	logger   *logrus.Logger
	timeout  time.Duration
	hooks    []Hook
	mu       sync.Mutex
	sigChan  chan os.Signal
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	shutting bool
}

// New 创建优雅停机管理器
func New(timeout time.Duration, logger *logrus.Logger) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	gs := &GracefulShutdown{
		logger:  logger,
		timeout: timeout,
		sigChan: make(chan os.Signal, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	signal.Notify(gs.sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	return gs
}

// Register 注册停机步骤
func (gs *GracefulShutdown) Register(name string, order int, fn func(ctx context.Context) error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.hooks = append(gs.hooks, Hook{Name: name, Order: order, Func: fn})
	gs.logger.Debugf("注册停机步骤: %s (order: %d)", name, order)
}

// Context 停机时被取消的上下文，传给所有长期运行的组件
func (gs *GracefulShutdown) Context() context.Context {
	return gs.ctx
}

// Start 启动信号监听
func (gs *GracefulShutdown) Start() {
	go func() {
		sig := <-gs.sigChan
		gs.logger.Infof("收到停机信号: %v", sig)
		gs.Shutdown()
	}()
	gs.logger.Info("优雅停机管理器已启动，监听信号: SIGINT, SIGTERM, SIGQUIT")
}

// Wait 阻塞到停机流程完成
func (gs *GracefulShutdown) Wait() {
	<-gs.done
}

// Shutdown 执行停机流程。重复调用只生效一次。
func (gs *GracefulShutdown) Shutdown() {
	gs.mu.Lock()
	if gs.shutting {
		gs.mu.Unlock()
		return
	}
	gs.shutting = true
	hooks := make([]Hook, len(gs.hooks))
	copy(hooks, gs.hooks)
	gs.mu.Unlock()

	gs.logger.Info("开始优雅停机流程...")

	// 先取消主上下文，让调度器和采集协程停下来
	gs.cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gs.timeout)
	defer shutdownCancel()

	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].Order < hooks[j].Order })

	var errs []error
	for _, hook := range hooks {
		start := time.Now()
		if err := hook.Func(shutdownCtx); err != nil {
			gs.logger.Errorf("停机步骤 '%s' 失败 (耗时: %v): %v", hook.Name, time.Since(start), err)
			errs = append(errs, fmt.Errorf("%s: %w", hook.Name, err))
		} else {
			gs.logger.Infof("停机步骤 '%s' 完成 (耗时: %v)", hook.Name, time.Since(start))
		}

		select {
		case <-shutdownCtx.Done():
			gs.logger.Warn("停机超时，放弃剩余步骤")
			close(gs.done)
			return
		default:
		}
	}

	if len(errs) > 0 {
		gs.logger.Errorf("停机过程中发生 %d 个错误", len(errs))
	}
	gs.logger.Info("优雅停机流程完成")
	close(gs.done)
}

// Close 停止信号监听；如果还没停机则触发停机
func (gs *GracefulShutdown) Close() error {
	signal.Stop(gs.sigChan)
	gs.Shutdown()
	return nil
}
