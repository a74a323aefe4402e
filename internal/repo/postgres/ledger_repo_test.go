package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestMapLedgerErrorDetectsAppendOnlyTrigger(t *testing.T) {
	triggerErr := fmt.Errorf("exec: %w", &pgconn.PgError{Code: raiseExceptionCode, Message: "ledger_entries is append-only"})
	if err := mapLedgerError(triggerErr); !errors.Is(err, ErrLedgerImmutable) {
		t.Fatalf("expected ErrLedgerImmutable, got %v", err)
	}

	other := &pgconn.PgError{Code: raiseExceptionCode, Message: "something else"}
	if err := mapLedgerError(other); errors.Is(err, ErrLedgerImmutable) {
		t.Fatalf("unrelated exception must pass through, got %v", err)
	}
}

func TestInsertOrFetchTreatsConflictAsReplay(t *testing.T) {
	fetched := func(context.Context) (string, error) { return "existing", nil }

	cases := []struct {
		name      string
		insertErr error
	}{
		{"on conflict do nothing", pgx.ErrNoRows},
		{"unique violation", &pgconn.PgError{Code: uniqueViolationCode}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			row, created, err := InsertOrFetch(context.Background(),
				func(context.Context) (string, error) { return "", tc.insertErr },
				fetched,
			)
			if err != nil || created || row != "existing" {
				t.Fatalf("expected replay of existing row, got %q created=%v err=%v", row, created, err)
			}
		})
	}

	boom := errors.New("connection reset")
	_, _, err := InsertOrFetch(context.Background(),
		func(context.Context) (string, error) { return "", boom },
		fetched,
	)
	if !errors.Is(err, boom) {
		t.Fatalf("expected insert error to surface, got %v", err)
	}
}
