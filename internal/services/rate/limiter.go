package rate

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

const ActionPurchaseInit = "purchase_init"

type WindowStore interface {
	IncrementWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	WindowState(ctx context.Context, key string) (int64, time.Duration, error)
}

// Window caps an action at Limit calls per Window. A zero limit disables it.
type Window struct {
	Name   string
	Window time.Duration
	Limit  int
}

type Limiter struct {
	store   WindowStore
	windows map[string][]Window
}

func NewLimiter(store WindowStore) *Limiter {
	return &Limiter{
		store:   store,
		windows: make(map[string][]Window),
	}
}

// PurchaseInitLimiter limits how often one user may open purchases.
func PurchaseInitLimiter(store WindowStore, perMinute, perHour int) *Limiter {
	return NewLimiter(store).
		With(ActionPurchaseInit, Window{Name: "1m", Window: time.Minute, Limit: perMinute}).
		With(ActionPurchaseInit, Window{Name: "1h", Window: time.Hour, Limit: perHour})
}

func (l *Limiter) With(action string, window Window) *Limiter {
	if window.Limit < 0 {
		window.Limit = 0
	}
	l.windows[action] = append(l.windows[action], window)
	return l
}

// Allow counts one call of action for userID. When a window is exhausted it
// returns false with the seconds until that window resets.
func (l *Limiter) Allow(ctx context.Context, action string, userID int64) (int64, bool, error) {
	if err := l.check(userID); err != nil {
		return 0, false, err
	}

	retryAfterSec := int64(0)
	for _, w := range l.windows[action] {
		if w.Limit == 0 {
			continue
		}
		count, ttl, err := l.store.IncrementWindow(ctx, windowKey(action, w.Name, userID), w.Window)
		if err != nil {
			return 0, false, err
		}
		if count > int64(w.Limit) {
			retryAfterSec = maxInt64(retryAfterSec, ceilSeconds(ttl))
		}
	}

	if retryAfterSec > 0 {
		return retryAfterSec, false, nil
	}
	return 0, true, nil
}

// RetryAfter reports the wait before action is allowed again without
// counting a call.
func (l *Limiter) RetryAfter(ctx context.Context, action string, userID int64) (int64, error) {
	if err := l.check(userID); err != nil {
		return 0, err
	}

	retryAfterSec := int64(0)
	for _, w := range l.windows[action] {
		if w.Limit == 0 {
			continue
		}
		count, ttl, err := l.store.WindowState(ctx, windowKey(action, w.Name, userID))
		if err != nil {
			return 0, err
		}
		if count >= int64(w.Limit) {
			retryAfterSec = maxInt64(retryAfterSec, ceilSeconds(ttl))
		}
	}
	return retryAfterSec, nil
}

func (l *Limiter) check(userID int64) error {
	if userID <= 0 {
		return fmt.Errorf("invalid user id")
	}
	if l == nil || l.store == nil {
		return fmt.Errorf("rate limiter store is nil")
	}
	return nil
}

func windowKey(action, window string, userID int64) string {
	return "rate:" + action + ":" + window + ":" + strconv.FormatInt(userID, 10)
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	sec := int64(d / time.Second)
	if d%time.Second != 0 {
		sec++
	}
	if sec <= 0 {
		sec = 1
	}
	return sec
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
