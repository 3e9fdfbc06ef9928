/**
 * @description
 * Notification delivery for committed allowance payments. Delivery is best effort:
 * a failed notification is logged and never affects the ledger.
 */
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Tzeetzch/Juno-Z-sub000/internal/domain"
	"github.com/Tzeetzch/Juno-Z-sub000/internal/store"
	"golang.org/x/time/rate"
)

// Notifier delivers a notification to its recipient.
type Notifier interface {
	Deliver(ctx context.Context, n domain.Notification) error
}

// LogNotifier is the fallback used when no transport is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Deliver(_ context.Context, n domain.Notification) error {
	l.logger.Info("allowance notification",
		"recipient", n.Recipient,
		"order_id", n.OrderID,
		"occurrences", n.Occurrences,
		"total", n.Total.String(),
	)
	return nil
}

// RateLimitedNotifier throttles deliveries to protect the downstream transport.
// Deliver blocks until a token is available or ctx is done.
type RateLimitedNotifier struct {
	next    Notifier
	limiter *rate.Limiter
}

// NewRateLimitedNotifier wraps next with a limit of perSecond deliveries. A non-positive
// perSecond disables throttling.
func NewRateLimitedNotifier(next Notifier, perSecond float64) *RateLimitedNotifier {
	limit := rate.Inf
	burst := 1
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &RateLimitedNotifier{next: next, limiter: rate.NewLimiter(limit, burst)}
}

func (r *RateLimitedNotifier) Deliver(ctx context.Context, n domain.Notification) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("notification rate limit: %w", err)
	}
	return r.next.Deliver(ctx, n)
}

// paymentNotification describes one applied run to the parent who created the order.
func paymentNotification(run store.OrderRun) domain.Notification {
	order := run.Order
	occurrences := len(run.Entries)

	subject := "Allowance paid"
	body := fmt.Sprintf("%s was credited to the account for %q.", run.Credit.StringFixed(2), order.Description)
	if occurrences > 1 {
		subject = fmt.Sprintf("Allowance paid (%d missed payments caught up)", occurrences)
		body = fmt.Sprintf("%d payments of %s totalling %s were credited for %q.",
			occurrences, order.Amount.StringFixed(2), run.Credit.StringFixed(2), order.Description)
	}

	n := domain.Notification{
		Recipient:   order.CreatedBy,
		Subject:     subject,
		Body:        body,
		AccountID:   order.AccountID,
		OrderID:     order.ID,
		Occurrences: occurrences,
		Total:       run.Credit,
		NextRunAt:   order.NextRunAt,
	}
	if order.LastRunAt != nil {
		n.LastRunAt = *order.LastRunAt
	}
	return n
}
