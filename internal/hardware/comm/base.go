// Package comm provides the connection bookkeeping and retry policy shared by
// device transports.
package comm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"motionctl/internal/logging"
)

// BaseCommunication 基础通信实现
type BaseCommunication struct {
	config       ConnectionConfig
	status       ConnectionStatus
	lastError    error
	lastSeen     time.Time
	errorHandler ErrorHandler
	mutex        sync.RWMutex
	logger       *logging.Logger
}

// NewBaseCommunication 创建基础通信实例
func NewBaseCommunication(config ConnectionConfig) *BaseCommunication {
	return &BaseCommunication{
		config:       config,
		status:       StatusDisconnected,
		errorHandler: &DefaultErrorHandler{},
		logger:       logging.GetLogger("base_communication"),
	}
}

// GetStatus 获取连接状态
func (bc *BaseCommunication) GetStatus() ConnectionStatus {
	bc.mutex.RLock()
	defer bc.mutex.RUnlock()
	return bc.status
}

// SetStatus 设置状态
func (bc *BaseCommunication) SetStatus(status ConnectionStatus) {
	bc.mutex.Lock()
	defer bc.mutex.Unlock()
	bc.status = status
	if status == StatusConnected {
		bc.lastSeen = time.Now()
		bc.lastError = nil
	}
}

// GetLastError 获取最后错误
func (bc *BaseCommunication) GetLastError() error {
	bc.mutex.RLock()
	defer bc.mutex.RUnlock()
	return bc.lastError
}

// LastSeen returns the time of the last successful exchange.
func (bc *BaseCommunication) LastSeen() time.Time {
	bc.mutex.RLock()
	defer bc.mutex.RUnlock()
	return bc.lastSeen
}

// IsConnected 检查是否连接
func (bc *BaseCommunication) IsConnected() bool {
	return bc.GetStatus() == StatusConnected
}

// HandleWithError 记录错误并转交错误处理器
func (bc *BaseCommunication) HandleWithError(err error) error {
	bc.mutex.Lock()
	bc.lastError = err
	bc.status = StatusError
	handler := bc.errorHandler
	bc.mutex.Unlock()

	if handler != nil {
		err = handler.HandleError(err)
	}
	return err
}

// RetryWithTimeout 带超时的重试机制
func (bc *BaseCommunication) RetryWithTimeout(ctx context.Context, operation func(ctx context.Context) error) error {
	if bc.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, bc.config.Timeout)
		defer cancel()
	}

	bc.mutex.RLock()
	handler := bc.errorHandler
	bc.mutex.RUnlock()

	var lastErr error
	for i := 0; i <= bc.config.RetryCount; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := operation(ctx)
		if err == nil {
			bc.SetStatus(StatusConnected)
			return nil
		}
		lastErr = err

		// 检查是否应该重试
		if handler != nil && !handler.ShouldRetry(err) {
			return bc.HandleWithError(err)
		}

		// 如果是最后一次尝试，直接返回错误
		if i == bc.config.RetryCount {
			break
		}

		delay := bc.config.RetryInterval
		if handler != nil {
			if customDelay := handler.GetRetryDelay(err); customDelay > 0 {
				delay = customDelay
			}
		}

		bc.logger.Warn("Retry after error", "attempt", i+1, "max_attempts", bc.config.RetryCount, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	if bc.config.RetryCount == 0 {
		return bc.HandleWithError(lastErr)
	}
	return bc.HandleWithError(fmt.Errorf("operation failed after %d retries, last error: %w", bc.config.RetryCount, lastErr))
}

// DefaultErrorHandler 默认错误处理器
type DefaultErrorHandler struct{}

func (de *DefaultErrorHandler) HandleError(err error) error {
	return err
}

func (de *DefaultErrorHandler) ShouldRetry(err error) bool {
	// 默认只重试网络错误和超时错误
	return isNetworkError(err) || isTimeoutError(err)
}

func (de *DefaultErrorHandler) GetRetryDelay(err error) time.Duration {
	return 0 // 使用默认的重试间隔
}

// TemporaryError marks a failure worth retrying, e.g. a 5xx response.
type TemporaryError struct {
	Err error
}

func (e *TemporaryError) Error() string { return e.Err.Error() }
func (e *TemporaryError) Unwrap() error { return e.Err }

func isNetworkError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var tmp *TemporaryError
	return errors.As(err, &tmp)
}

func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return false // 整体超时，不再重试
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
