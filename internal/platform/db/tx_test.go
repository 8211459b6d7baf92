package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsUniqueViolation(t *testing.T) {
	dup := &pgconn.PgError{Code: "23505", Message: "duplicate key value"}
	if !IsUniqueViolation(dup) {
		t.Error("expected 23505 to be a unique violation")
	}
	if !IsUniqueViolation(fmt.Errorf("insert report: %w", dup)) {
		t.Error("expected wrapped 23505 to be a unique violation")
	}
	if IsUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Error("foreign key violation is not a unique violation")
	}
	if IsUniqueViolation(errors.New("boom")) {
		t.Error("plain error is not a unique violation")
	}
}

func TestConn_FallsBackWithoutTenantConnection(t *testing.T) {
	if got := Conn(context.Background(), nil); got != nil {
		t.Errorf("expected fallback (nil), got %v", got)
	}
}
