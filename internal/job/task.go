package job

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrAlreadyRunning = errors.New("任务已在运行")

// runner 定时任务的公共启停逻辑，Stop 之后可以再次 Start
type runner struct {
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// loop 阻塞执行 tick，直到 ctx 取消或 stop 被调用
func (r *runner) loop(ctx context.Context, tick func(context.Context)) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.running = true
	stopCh := make(chan struct{})
	r.stopCh = stopCh
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.stopCh = nil
		r.mu.Unlock()
	}()

	interval := r.interval
	if interval <= 0 {
		interval = time.Second
	}
	r.logger.Info("任务启动", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("收到停止信号，任务退出")
			return nil
		case <-stopCh:
			r.logger.Info("任务停止")
			return nil
		case <-ticker.C:
			tick(ctx)
		}
	}
}

func (r *runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopCh != nil {
		close(r.stopCh)
		r.stopCh = nil
	}
}

func (r *runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}
