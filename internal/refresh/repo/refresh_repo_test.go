package repo

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/refresh/entity"
)

func newMockRepo(t *testing.T) (*RefreshRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewRefreshRepo(sqlx.NewDb(db, "postgres")), mock
}

func successor(now time.Time) *entity.RefreshToken {
	return &entity.RefreshToken{ID: "next", UserID: "u1", TokenHash: "new-hash", ExpiresAt: now.Add(time.Hour), CreatedAt: now}
}

var revokeLive = regexp.QuoteMeta(`UPDATE refresh_tokens SET revoked = true, revoked_at = $2, replaced_by = $3`)

func TestRotateWins(t *testing.T) {
	r, mock := newMockRepo(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(revokeLive).
		WithArgs("old-hash", now, "next").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO refresh_tokens`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	won, err := r.Rotate(context.Background(), "old-hash", now, successor(now))
	if err != nil || !won {
		t.Fatalf("rotate: won=%v err=%v", won, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRotateLosesWithoutInsert(t *testing.T) {
	r, mock := newMockRepo(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(revokeLive).
		WithArgs("old-hash", now, "next").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	mock.ExpectCommit()

	won, err := r.Rotate(context.Background(), "old-hash", now, successor(now))
	if err != nil || won {
		t.Fatalf("loser must see false without error: won=%v err=%v", won, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRotateRollsBackOnInsertFailure(t *testing.T) {
	r, mock := newMockRepo(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(revokeLive).WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO refresh_tokens`)).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	if won, err := r.Rotate(context.Background(), "old-hash", now, successor(now)); err == nil || won {
		t.Fatalf("expected failure, got won=%v err=%v", won, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRevoke(t *testing.T) {
	r, mock := newMockRepo(t)
	now := time.Now().UTC()
	q := regexp.QuoteMeta(`UPDATE refresh_tokens SET revoked = true, revoked_at = $2`)

	mock.ExpectQuery(q).WithArgs("h1", now).WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery(q).WithArgs("h1", now).WillReturnRows(sqlmock.NewRows([]string{"?column?"}))

	if ok, err := r.Revoke(context.Background(), "h1", now); err != nil || !ok {
		t.Fatalf("first revoke: ok=%v err=%v", ok, err)
	}
	if ok, err := r.Revoke(context.Background(), "h1", now); err != nil || ok {
		t.Fatalf("second revoke: ok=%v err=%v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRevokeAllAndDeleteDead(t *testing.T) {
	r, mock := newMockRepo(t)
	now := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE refresh_tokens SET revoked = true, revoked_at = $2 WHERE user_id = $1 AND NOT revoked`)).
		WithArgs("u1", now).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM refresh_tokens WHERE revoked OR expires_at <= $1`)).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 7))

	if n, err := r.RevokeAllForUser(context.Background(), "u1", now); err != nil || n != 3 {
		t.Fatalf("revoke all: n=%d err=%v", n, err)
	}
	if n, err := r.DeleteDead(context.Background(), now); err != nil || n != 7 {
		t.Fatalf("delete dead: n=%d err=%v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
