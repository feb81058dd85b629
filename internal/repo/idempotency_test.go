package repo

import (
	"context"
	"testing"
	"time"

	"github.com/openanalyst/agent-gateway/internal/domain"
)

func TestGetIdempotency_BlankKeyIsNotFound(t *testing.T) {
	db := newPendingDB(t, &domain.Idempotency{})
	if _, err := GetIdempotency(context.Background(), db, "u1", "c1", "  ", time.Now()); !IsNotFound(err) {
		t.Fatalf("blank key should be not-found, got %v", err)
	}
}

func TestIdempotency_RoundTripAndExpiry(t *testing.T) {
	db := newPendingDB(t, &domain.Idempotency{})
	ctx := context.Background()
	now := time.Now().UTC()

	rec, err := CreateIdempotency(ctx, db, "u1", "c1", "k1", "corr-1", 202, time.Hour)
	if err != nil {
		t.Fatalf("CreateIdempotency: %v", err)
	}
	if rec.CorrelationID != "corr-1" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	got, err := GetIdempotency(ctx, db, "u1", "c1", "k1", now)
	if err != nil || got.ID != rec.ID {
		t.Fatalf("GetIdempotency: got=%+v err=%v", got, err)
	}

	// After TTL elapses the record is invisible.
	if _, err := GetIdempotency(ctx, db, "u1", "c1", "k1", now.Add(2*time.Hour)); !IsNotFound(err) {
		t.Fatalf("expired key should be not-found, got %v", err)
	}
}

func TestCreateIdempotency_Duplicate(t *testing.T) {
	db := newPendingDB(t, &domain.Idempotency{})
	ctx := context.Background()

	if _, err := CreateIdempotency(ctx, db, "u1", "c1", "k1", "corr-1", 202, time.Hour); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := CreateIdempotency(ctx, db, "u1", "c1", "k1", "corr-2", 202, time.Hour); err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	// Different conversation is a distinct tuple.
	if _, err := CreateIdempotency(ctx, db, "u1", "c2", "k1", "corr-3", 202, time.Hour); err != nil {
		t.Fatalf("distinct tuple: %v", err)
	}
}
