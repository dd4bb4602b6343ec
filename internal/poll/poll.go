package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/go-cmp/cmp"
)

// ErrTimeout 等待超时
var ErrTimeout = errors.New("wait timed out")

// Options 轮询策略
type Options struct {
	Stability time.Duration // 值/条件需要保持不变的窗口
	Timeout   time.Duration // 整体超时
	Polling   time.Duration // 两次观察之间的间隔
	// Equal 比较两次观察值，默认使用 cmp.Equal
	Equal func(a, b any) bool
}

// DefaultOptions 默认策略
func DefaultOptions() Options {
	return Options{
		Stability: 300 * time.Millisecond,
		Timeout:   30 * time.Second,
		Polling:   50 * time.Millisecond,
	}
}

func (o Options) normalize() Options {
	d := DefaultOptions()
	if o.Stability < 0 {
		o.Stability = 0
	}
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.Polling <= 0 {
		o.Polling = d.Polling
	}
	if o.Equal == nil {
		o.Equal = func(a, b any) bool { return cmp.Equal(a, b) }
	}
	return o
}

// TimeoutError 携带耗时与最后一次观察结果
type TimeoutError struct {
	What    string
	Elapsed time.Duration
	Last    any
	LastErr error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s: not satisfied after %s, last observed: %v", e.What, e.Elapsed.Round(time.Millisecond), e.Last)
	if e.LastErr != nil {
		msg += fmt.Sprintf(" (last error: %v)", e.LastErr)
	}
	return msg
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

func (e *TimeoutError) Unwrap() error { return e.LastErr }

// Predicate 异步条件
type Predicate func(ctx context.Context) (bool, error)

// Producer 异步取值
type Producer func(ctx context.Context) (any, error)

// Until 轮询条件直到其为真且在整个稳定窗口内保持为真
func Until(ctx context.Context, pred Predicate, opts Options) error {
	opts = opts.normalize()
	start := time.Now()
	deadline := start.Add(opts.Timeout)

	var (
		trueSince time.Time
		last      bool
		lastErr   error
	)
	for {
		ok, err := pred(ctx)
		now := time.Now()
		last, lastErr = ok && err == nil, err

		switch {
		case !last:
			trueSince = time.Time{}
		case trueSince.IsZero():
			trueSince = now
		}
		if last && now.Sub(trueSince) >= opts.Stability {
			return nil
		}

		if now.After(deadline) {
			return &TimeoutError{What: "wait until", Elapsed: now.Sub(start), Last: last, LastErr: lastErr}
		}
		if err := sleep(ctx, opts.Polling); err != nil {
			return err
		}
	}
}

// ForStabilityOf 轮询取值直到其在整个稳定窗口内不变，返回稳定后的值
func ForStabilityOf(ctx context.Context, produce Producer, opts Options) (any, error) {
	opts = opts.normalize()
	start := time.Now()
	deadline := start.Add(opts.Timeout)

	var (
		last        any
		lastErr     error
		stableSince time.Time
		observed    bool
	)
	for {
		v, err := produce(ctx)
		now := time.Now()
		lastErr = err

		switch {
		case err != nil:
			observed = false
			stableSince = time.Time{}
		case !observed || !opts.Equal(v, last):
			last, observed, stableSince = v, true, now
		}
		if observed && now.Sub(stableSince) >= opts.Stability {
			return last, nil
		}

		if now.After(deadline) {
			return last, &TimeoutError{What: "wait for stability", Elapsed: now.Sub(start), Last: last, LastErr: lastErr}
		}
		if err := sleep(ctx, opts.Polling); err != nil {
			return last, err
		}
	}
}

// sleep 等待一个轮询间隔，ctx 结束时返回其原因
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// ForStableValue ForStabilityOf 的泛型版本
func ForStableValue[T any](ctx context.Context, produce func(ctx context.Context) (T, error), opts Options) (T, error) {
	v, err := ForStabilityOf(ctx, func(ctx context.Context) (any, error) { return produce(ctx) }, opts)
	t, _ := v.(T)
	return t, err
}
