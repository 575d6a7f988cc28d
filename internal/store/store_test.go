package store

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsDNSFailure(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("dial tcp: lookup db.internal: no such host"), true},
		{errors.New("getaddrinfo failed"), true},
		{errors.New("Name or service not known"), true},
		{errors.New("connection refused"), false},
		{errors.New("context deadline exceeded"), false},
	}
	for _, tc := range cases {
		if got := isDNSFailure(tc.err); got != tc.want {
			t.Fatalf("isDNSFailure(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestIsDuplicateCorrelation(t *testing.T) {
	dup := &pgconn.PgError{Code: "23505", ConstraintName: "gap_analyses_correlation_id_key"}
	if !IsDuplicateCorrelation(dup) {
		t.Fatalf("expected unique violation on correlation to match")
	}
	if IsDuplicateCorrelation(errors.New(dup.Error())) {
		t.Fatalf("plain strings must not match")
	}
	otherUnique := &pgconn.PgError{Code: "23505", ConstraintName: "gap_analyses_request_id_key"}
	if IsDuplicateCorrelation(otherUnique) {
		t.Fatalf("other unique constraints must not match")
	}
	otherCode := &pgconn.PgError{Code: "23503", ConstraintName: "gap_analyses_correlation_id_key"}
	if IsDuplicateCorrelation(otherCode) {
		t.Fatalf("non-unique-violation codes must not match")
	}
}
