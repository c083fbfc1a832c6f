package repo

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/otp/entity"
)

func newMockRepo(t *testing.T) (*OTPRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewOTPRepo(sqlx.NewDb(db, "postgres")), mock
}

func smsChallenge(now time.Time) *entity.Challenge {
	phone := "+15550000001"
	return &entity.Challenge{
		ID:          "c1",
		UserID:      "u1",
		Channel:     entity.ChannelSMS,
		PhoneNumber: &phone,
		Code:        "424242",
		ExpiresAt:   now.Add(3 * time.Minute),
		CreatedAt:   now,
	}
}

var (
	supersede   = regexp.QuoteMeta(`UPDATE otp_challenges SET expires_at = $3 WHERE user_id = $1 AND channel = $2 AND NOT verified AND expires_at > $3`)
	consume     = regexp.QuoteMeta(`UPDATE otp_challenges SET verified = true, verified_at = $2`)
	phoneFlag   = regexp.QuoteMeta(`UPDATE users SET phone_verified=true, updated_at=$3 WHERE id=$1 AND phone_number=$2 RETURNING 1`)
	emailFlag   = regexp.QuoteMeta(`UPDATE users SET email_verified=true, updated_at=$3 WHERE id=$1 AND email=$2 RETURNING 1`)
	oneRow      = func() *sqlmock.Rows { return sqlmock.NewRows([]string{"?column?"}).AddRow(1) }
	noRows      = func() *sqlmock.Rows { return sqlmock.NewRows([]string{"?column?"}) }
	fixedMoment = time.Date(2026, 4, 5, 6, 7, 8, 0, time.UTC)
)

func TestCreateSupersedesThenInserts(t *testing.T) {
	r, mock := newMockRepo(t)
	now := fixedMoment

	mock.ExpectBegin()
	mock.ExpectExec(supersede).WithArgs("u1", "sms", now).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO otp_challenges`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := r.Create(context.Background(), smsChallenge(now), now); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCreateRollsBackOnInsertFailure(t *testing.T) {
	r, mock := newMockRepo(t)
	now := fixedMoment

	mock.ExpectBegin()
	mock.ExpectExec(supersede).WithArgs("u1", "sms", now).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO otp_challenges`)).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	if err := r.Create(context.Background(), smsChallenge(now), now); err == nil {
		t.Fatal("expected insert failure")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestIncrementLatestTargetsNewestLive(t *testing.T) {
	r, mock := newMockRepo(t)
	now := fixedMoment
	q := `(?s)UPDATE otp_challenges SET attempts = attempts \+ 1\s+WHERE id = \(\s*SELECT id FROM otp_challenges` +
		`\s+WHERE user_id = \$1 AND channel = \$2 AND NOT verified AND expires_at > \$3` +
		`\s+ORDER BY created_at DESC LIMIT 1\s+FOR UPDATE\)\s+RETURNING attempts`

	mock.ExpectQuery(q).WithArgs("u1", "email", now).WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(2))
	mock.ExpectQuery(q).WithArgs("u1", "email", now).WillReturnRows(sqlmock.NewRows([]string{"attempts"}))

	if n, err := r.IncrementLatest(context.Background(), "u1", entity.ChannelEmail, now); err != nil || n != 2 {
		t.Fatalf("increment: n=%d err=%v", n, err)
	}
	if _, err := r.IncrementLatest(context.Background(), "u1", entity.ChannelEmail, now); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("no live challenge must surface sql.ErrNoRows, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMarkVerifiedWins(t *testing.T) {
	r, mock := newMockRepo(t)
	now := fixedMoment

	mock.ExpectBegin()
	mock.ExpectQuery(consume + `.*` + regexp.QuoteMeta(`AND NOT verified AND expires_at > $2 AND attempts < $3 RETURNING 1`)).
		WithArgs("c1", now, 5).
		WillReturnRows(oneRow())
	mock.ExpectQuery(phoneFlag).WithArgs("u1", "+15550000001", sqlmock.AnyArg()).WillReturnRows(oneRow())
	mock.ExpectCommit()

	won, err := r.MarkVerified(context.Background(), smsChallenge(now), 5, now)
	if err != nil || !won {
		t.Fatalf("mark verified: won=%v err=%v", won, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMarkVerifiedLosesWithoutFlag(t *testing.T) {
	r, mock := newMockRepo(t)
	now := fixedMoment

	// Already verified, expired or out of attempts: the guarded update matches nothing.
	mock.ExpectBegin()
	mock.ExpectQuery(consume).WithArgs("c1", now, 5).WillReturnRows(noRows())
	mock.ExpectRollback()

	won, err := r.MarkVerified(context.Background(), smsChallenge(now), 5, now)
	if err != nil || won {
		t.Fatalf("loser must see false without error: won=%v err=%v", won, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMarkVerifiedRollsBackWhenAddressChanged(t *testing.T) {
	r, mock := newMockRepo(t)
	now := fixedMoment
	email := "old@example.com"
	c := &entity.Challenge{ID: "c2", UserID: "u1", Channel: entity.ChannelEmail, Email: &email, ExpiresAt: now.Add(time.Minute)}

	mock.ExpectBegin()
	mock.ExpectQuery(consume).WithArgs("c2", now, 5).WillReturnRows(oneRow())
	mock.ExpectQuery(emailFlag).WithArgs("u1", "old@example.com", sqlmock.AnyArg()).WillReturnRows(noRows())
	mock.ExpectRollback()

	won, err := r.MarkVerified(context.Background(), c, 5, now)
	if err != nil || won {
		t.Fatalf("stale address must not verify: won=%v err=%v", won, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMarkVerifiedRollsBackOnFlagFailure(t *testing.T) {
	r, mock := newMockRepo(t)
	now := fixedMoment

	mock.ExpectBegin()
	mock.ExpectQuery(consume).WithArgs("c1", now, 5).WillReturnRows(oneRow())
	mock.ExpectQuery(phoneFlag).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	won, err := r.MarkVerified(context.Background(), smsChallenge(now), 5, now)
	if err == nil || won {
		t.Fatalf("expected failure, got won=%v err=%v", won, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDeleteExpired(t *testing.T) {
	r, mock := newMockRepo(t)
	now := fixedMoment
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM otp_challenges WHERE expires_at <= $1`)).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 4))

	if n, err := r.DeleteExpired(context.Background(), now); err != nil || n != 4 {
		t.Fatalf("delete expired: n=%d err=%v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
