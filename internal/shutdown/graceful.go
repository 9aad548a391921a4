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

// 停机顺序常量
//
// 先停外部入口，再停出块，账本连接最后关闭，保证停机瞬间
// 没有写到一半的原子单元。
const (
	OrderStopAPI          = 10 // 停止接受新交易
	OrderStopProducer     = 20 // 停止出块循环，等待当前区块落库
	OrderFlushAudit       = 30 // 关闭Kafka审计分发
	OrderCloseCommitStore = 40 // 关闭承诺存储与进度缓存
	OrderCloseLedger      = 50 // 关闭账本数据库连接
)

// hook 单个停机处理函数
type hook struct {
	name  string
	fn    func(ctx context.Context) error
	order int // 数字越小越早执行
}

// GracefulShutdown 优雅停机管理器
type GracefulShutdown struct {
	logger       *logrus.Logger
	timeout      time.Duration
	hooks        []hook
	mu           sync.Mutex
	signalChan   chan os.Signal
	ctx          context.Context
	cancel       context.CancelFunc
	shuttingDown bool
	done         chan struct{}
}

// NewGracefulShutdown 创建优雅停机管理器
func NewGracefulShutdown(timeout time.Duration, logger *logrus.Logger) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	gs := &GracefulShutdown{
		logger:     logger,
		timeout:    timeout,
		signalChan: make(chan os.Signal, 1),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	signal.Notify(gs.signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	return gs
}

// RegisterShutdownFunc 注册停机处理函数
func (gs *GracefulShutdown) RegisterShutdownFunc(name string, fn func(ctx context.Context) error, order int) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	gs.hooks = append(gs.hooks, hook{name: name, fn: fn, order: order})
	gs.logger.Debugf("注册停机处理函数: %s (order: %d)", name, order)
}

// Context 停机时被取消的上下文
func (gs *GracefulShutdown) Context() context.Context {
	return gs.ctx
}

// Shutdown 手动触发停机
func (gs *GracefulShutdown) Shutdown() {
	gs.mu.Lock()
	if gs.shuttingDown {
		gs.mu.Unlock()
		return
	}
	gs.shuttingDown = true
	gs.mu.Unlock()

	gs.logger.Info("手动触发优雅停机...")
	gs.performShutdown()
}

// WaitForShutdown 等待停机信号并执行停机流程
func (gs *GracefulShutdown) WaitForShutdown() {
	gs.logger.Info("优雅停机管理器已启动，监听信号: SIGINT, SIGTERM, SIGQUIT")

	go func() {
		sig := <-gs.signalChan
		gs.logger.Infof("收到停机信号: %v", sig)

		gs.mu.Lock()
		if gs.shuttingDown {
			gs.mu.Unlock()
			return
		}
		gs.shuttingDown = true
		gs.mu.Unlock()

		gs.performShutdown()
	}()

	<-gs.done
}

// performShutdown 按顺序执行全部停机处理函数
func (gs *GracefulShutdown) performShutdown() {
	defer close(gs.done)

	gs.logger.Info("开始优雅停机流程...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gs.timeout)
	defer cancel()

	gs.mu.Lock()
	hooks := make([]hook, len(gs.hooks))
	copy(hooks, gs.hooks)
	gs.mu.Unlock()

	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].order < hooks[j].order })

	var errs []error
	for _, h := range hooks {
		gs.logger.Infof("执行停机处理: %s", h.name)

		start := time.Now()
		err := h.fn(shutdownCtx)
		duration := time.Since(start)

		if err != nil {
			gs.logger.Errorf("停机处理 '%s' 失败 (耗时: %v): %v", h.name, duration, err)
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		} else {
			gs.logger.Infof("停机处理 '%s' 完成 (耗时: %v)", h.name, duration)
		}

		select {
		case <-shutdownCtx.Done():
			gs.logger.Warn("停机超时，强制退出")
			gs.cancel()
			return
		default:
		}
	}

	gs.cancel()

	if len(errs) > 0 {
		gs.logger.Errorf("停机过程中发生 %d 个错误", len(errs))
		for _, err := range errs {
			gs.logger.Error(err)
		}
	}
	gs.logger.Info("优雅停机流程完成")
}
