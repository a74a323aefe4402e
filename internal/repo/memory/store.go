// Package memory is an in-process implementation of every store the purchase
// engine uses. Transactions are serialized on one mutex and roll back by
// restoring the state captured when they began.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/model"
)

type state struct {
	purchases    map[string]model.Purchase
	ledger       []model.LedgerEntry
	promoCodes   map[int64]model.PromoCode
	redemptions  map[string]model.PromoRedemption
	entitlements map[int64]model.Entitlement
	modeAccess   map[int64]model.ModeAccess
	wallets      map[int64]model.Wallet
	walletOps    map[string]int
	runs         []model.ReconciliationRun
	events       []model.Event
	nextGrantID  int64
	nextRunID    int64
	nextEventID  int64
}

func newState() state {
	return state{
		purchases:    make(map[string]model.Purchase),
		ledger:       make([]model.LedgerEntry, 0),
		promoCodes:   make(map[int64]model.PromoCode),
		redemptions:  make(map[string]model.PromoRedemption),
		entitlements: make(map[int64]model.Entitlement),
		modeAccess:   make(map[int64]model.ModeAccess),
		wallets:      make(map[int64]model.Wallet),
		walletOps:    make(map[string]int),
		runs:         make([]model.ReconciliationRun, 0),
		events:       make([]model.Event, 0),
		nextGrantID:  1,
		nextRunID:    1,
		nextEventID:  1,
	}
}

func (s state) clone() state {
	out := s
	out.purchases = make(map[string]model.Purchase, len(s.purchases))
	for k, v := range s.purchases {
		out.purchases[k] = v
	}
	out.ledger = append([]model.LedgerEntry(nil), s.ledger...)
	out.promoCodes = make(map[int64]model.PromoCode, len(s.promoCodes))
	for k, v := range s.promoCodes {
		out.promoCodes[k] = v
	}
	out.redemptions = make(map[string]model.PromoRedemption, len(s.redemptions))
	for k, v := range s.redemptions {
		out.redemptions[k] = v
	}
	out.entitlements = make(map[int64]model.Entitlement, len(s.entitlements))
	for k, v := range s.entitlements {
		out.entitlements[k] = v
	}
	out.modeAccess = make(map[int64]model.ModeAccess, len(s.modeAccess))
	for k, v := range s.modeAccess {
		out.modeAccess[k] = v
	}
	out.wallets = make(map[int64]model.Wallet, len(s.wallets))
	for k, v := range s.wallets {
		out.wallets[k] = v
	}
	out.walletOps = make(map[string]int, len(s.walletOps))
	for k, v := range s.walletOps {
		out.walletOps[k] = v
	}
	out.runs = append([]model.ReconciliationRun(nil), s.runs...)
	out.events = append([]model.Event(nil), s.events...)
	return out
}

type Store struct {
	mu  sync.Mutex
	st  state
	now func() time.Time
}

func New() *Store {
	return &Store{st: newState(), now: time.Now}
}

// WithTx runs fn with exclusive access to the store. Any error restores the
// state from before fn ran. The tx passed to fn is nil; store methods ignore it.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(ctx, nil); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

// InsertBatch records emitted events.
func (s *Store) InsertBatch(_ context.Context, events []model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, event := range events {
		event.ID = s.st.nextEventID
		s.st.nextEventID++
		s.st.events = append(s.st.events, event)
	}
	return nil
}

func (s *Store) Events() []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Event(nil), s.st.events...)
}

func (s *Store) EventCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, event := range s.st.events {
		if event.Name == name {
			count++
		}
	}
	return count
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func (s *Store) Purchases() *PurchaseStore { return &PurchaseStore{s: s} }

func (s *Store) Ledger() *LedgerStore { return &LedgerStore{s: s} }

func (s *Store) Promo() *PromoStore { return &PromoStore{s: s} }

func (s *Store) Grants() *GrantStore { return &GrantStore{s: s} }

func (s *Store) Wallets() *WalletStore { return &WalletStore{s: s} }

func (s *Store) Reconciliation() *ReconciliationStore { return &ReconciliationStore{s: s} }

// DeleteOlderThan prunes events that occurred before cutoff.
func (s *Store) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.st.events[:0]
	var deleted int64
	for _, event := range s.st.events {
		if event.OccurredAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, event)
	}
	s.st.events = kept
	return deleted, nil
}
