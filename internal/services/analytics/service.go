package analytics

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/model"
)

const (
	EventPurchaseInitCreated       = "purchase_init_created"
	EventPurchasePrecheckoutOK     = "purchase_precheckout_ok"
	EventPurchasePaidUncredited    = "purchase_paid_uncredited"
	EventPurchaseCredited          = "purchase_credited"
	EventPurchaseRefunded          = "purchase_refunded"
	EventPurchaseExpired           = "purchase_expired"
	EventPurchaseCreditNeedsReview = "purchase_credit_pending_review"
	EventPromoReservationRevoked   = "promo_reservation_revoked"
)

type Store interface {
	InsertBatch(ctx context.Context, events []model.Event) error
}

type Publisher interface {
	Publish(ctx context.Context, event model.Event) error
}

// Service records domain events. Emit is called after the state change has
// committed, so failures are logged and never surface to the caller.
type Service struct {
	store     Store
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
}

func NewService(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

func (s *Service) AttachPublisher(publisher Publisher) {
	s.publisher = publisher
}

func (s *Service) Emit(ctx context.Context, userID int64, name string, payload map[string]any) {
	if s == nil {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}

	event := model.Event{
		UserID:     userID,
		Name:       name,
		OccurredAt: s.now().UTC(),
		Payload:    cloneProps(payload),
	}

	if s.store != nil {
		if err := s.store.InsertBatch(ctx, []model.Event{event}); err != nil {
			s.logger.Warn("store domain event failed", zap.String("event", name), zap.Int64("user_id", userID), zap.Error(err))
		}
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.logger.Warn("publish domain event failed", zap.String("event", name), zap.Int64("user_id", userID), zap.Error(err))
		}
	}
}

func cloneProps(props map[string]any) map[string]any {
	if len(props) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(props))
	for key, value := range props {
		out[key] = value
	}
	return out
}
