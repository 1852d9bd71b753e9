package ssh

import (
	"context"
	"math/rand"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// RetryConfig configures retries of transient transfer errors.
type RetryConfig struct {
	MaxRetries   int // 0 disables retries.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64 // 0.25 spreads each delay by ±25%.
}

// DefaultRetryConfig returns the retry settings used for uploads.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.25,
	}
}

// Retry runs fn until it succeeds, fails with a permanent error or runs
// out of attempts. Waits between attempts grow exponentially.
func Retry(ctx context.Context, log *zap.SugaredLogger, config RetryConfig, operation string, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "%s cancelled", operation)
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryableError(err) {
			return err
		}
		if attempt == config.MaxRetries {
			break
		}

		delay := calculateDelay(config, attempt)
		log.Warnw("transient failure, retrying",
			"operation", operation,
			"attempt", attempt+1,
			"attempts", config.MaxRetries+1,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "%s cancelled during retry wait", operation)
		case <-time.After(delay):
		}
	}

	return errors.Wrapf(lastErr, "%s failed after %d attempts", operation, config.MaxRetries+1)
}

func calculateDelay(config RetryConfig, attempt int) time.Duration {
	delay := float64(config.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= config.Multiplier
	}

	if config.JitterFactor > 0 {
		jitter := delay * config.JitterFactor
		delay = delay - jitter + (rand.Float64() * 2 * jitter)
	}

	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	return time.Duration(delay)
}

var retryableMessages = []string{
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"temporary failure",
	"too many open files",
	"ssh: disconnect",
	"eof",
	"size mismatch",
}

// IsRetryableError reports whether err is transient. Missing files,
// permission problems and cancellation are permanent.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if os.IsNotExist(errors.Cause(err)) || os.IsPermission(errors.Cause(err)) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range retryableMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
