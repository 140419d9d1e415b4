package pg

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"qrattend.org/internal/attendance"
	"qrattend.org/internal/directory"
)

type allowAll struct{}

func (allowAll) CanIssue(context.Context, string, string) error   { return nil }
func (allowAll) CanApprove(context.Context, string, string) error { return nil }
func (allowAll) CanSelfRecord(context.Context, string) error      { return nil }
func (allowAll) Subordinates(context.Context, string) ([]string, error) {
	return []string{"w1", "w2"}, nil
}

var tokenCols = []string{"id", "issuer", "subject", "action", "status", "created_at", "expires_at", "resolved_at"}

var entryCols = []string{"id", "subject", "in_time", "out_time", "approval_status", "approved_by", "approved_at", "notes"}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func newService(t *testing.T, store *Store, now time.Time, opts ...attendance.Option) *attendance.Service {
	t.Helper()
	opts = append(opts, attendance.WithClock(func() time.Time { return now }))
	svc, err := attendance.NewService(store, allowAll{}, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestRedeemCheckInCommitsTokenAndEntry(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	svc := newService(t, store, now)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("from qr_tokens where id = $1 for update")).
		WithArgs("tok-1").
		WillReturnRows(sqlmock.NewRows(tokenCols).
			AddRow("tok-1", "lead", "w1", "check-in", "pending", now.Add(-time.Minute), now.Add(4*time.Minute), nil))
	mock.ExpectQuery(regexp.QuoteMeta("select username from users where username = $1 for update")).
		WithArgs("w1").
		WillReturnRows(sqlmock.NewRows([]string{"username"}).AddRow("w1"))
	mock.ExpectQuery(regexp.QuoteMeta("where subject = $1 and out_time is null")).
		WithArgs("w1").
		WillReturnRows(sqlmock.NewRows(entryCols))
	mock.ExpectExec(regexp.QuoteMeta("update qr_tokens set status = $2")).
		WithArgs("tok-1", "used", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into time_entries").
		WithArgs(sqlmock.AnyArg(), "w1", sqlmock.AnyArg(), sqlmock.AnyArg(), "Pending", "").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	red, err := svc.Redeem(context.Background(), "tok-1", attendance.RedeemContext{})
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if red.Subject != "w1" || red.EntryID == "" {
		t.Fatalf("unexpected redemption: %+v", red)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRedeemExpiredTokenCommitsExpiry(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	svc := newService(t, store, now)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("from qr_tokens where id = $1 for update")).
		WithArgs("tok-2").
		WillReturnRows(sqlmock.NewRows(tokenCols).
			AddRow("tok-2", "lead", "w1", "check-out", "pending", now.Add(-301*time.Second), now.Add(-time.Second), nil))
	mock.ExpectExec(regexp.QuoteMeta("update qr_tokens set status = $2")).
		WithArgs("tok-2", "expired", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := svc.Redeem(context.Background(), "tok-2", attendance.RedeemContext{})
	if kind, _ := attendance.KindOf(err); kind != attendance.KindTokenExpired {
		t.Fatalf("expected token_expired, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRedeemUsedTokenRollsBack(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	svc := newService(t, store, now)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("from qr_tokens where id = $1 for update")).
		WithArgs("tok-3").
		WillReturnRows(sqlmock.NewRows(tokenCols).
			AddRow("tok-3", "lead", "w1", "check-in", "used", now.Add(-time.Minute), now.Add(4*time.Minute), now))
	mock.ExpectRollback()

	_, err := svc.Redeem(context.Background(), "tok-3", attendance.RedeemContext{})
	var np *attendance.TokenNotPendingError
	if !errors.As(err, &np) || np.Status != attendance.StatusUsed {
		t.Fatalf("expected not pending (used), got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestIssueRetriesOnPendingIndexConflict(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	n := 0
	gen := func() (string, error) {
		n++
		return "tok-" + string(rune('a'+n-1)), nil
	}
	svc := newService(t, store, now, attendance.WithTokenGenerator(gen))

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("set status = 'expired', resolved_at = $3")).
		WithArgs("w1", "check-in", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(tokenCols))
	mock.ExpectExec("insert into qr_tokens").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("set status = 'expired', resolved_at = $3")).
		WithArgs("w1", "check-in", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(tokenCols).
			AddRow("racer", "lead", "w1", "check-in", "expired", now.Add(-time.Second), now.Add(299*time.Second), now))
	mock.ExpectExec("insert into qr_tokens").
		WithArgs("tok-b", "lead", "w1", "check-in", "pending", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	out, err := svc.Issue(context.Background(), "lead", "w1", attendance.ActionCheckIn)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if out.Token.ID != "tok-b" || len(out.Superseded) != 1 || out.Superseded[0] != "racer" {
		t.Fatalf("unexpected issue result: %+v", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestResolveTokenDetectsLostRace(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("update qr_tokens set status = $2")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.Atomically(context.Background(), func(tx attendance.Tx) error {
		return tx.ResolveToken(context.Background(), "tok", attendance.StatusUsed, time.Now())
	})
	if !errors.Is(err, attendance.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPendingEntriesScopesSubjects(t *testing.T) {
	store, mock := newMock(t)
	in := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	out := in.Add(8 * time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("where subject in ($1, $2)")).
		WithArgs("w1", "w2").
		WillReturnRows(sqlmock.NewRows(entryCols).AddRow("e1", "w2", in, out, "Pending", "", nil, ""))

	entries, err := store.PendingEntries(context.Background(), []string{"w1", "w2"})
	if err != nil {
		t.Fatalf("PendingEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].OutTime == nil || entries[0].Hours() != 8 {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDirectoryUserLookup(t *testing.T) {
	store, mock := newMock(t)
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("select username, display_name, email, user_level").
		WithArgs("lead-a").
		WillReturnRows(sqlmock.NewRows([]string{"username", "display_name", "email", "user_level", "password_hash", "created_at"}).
			AddRow("lead-a", "Lead A", nil, "Lead", "hash", created))
	mock.ExpectQuery("select username, display_name, email, user_level").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"username", "display_name", "email", "user_level", "password_hash", "created_at"}))

	u, err := store.User(context.Background(), "lead-a")
	if err != nil {
		t.Fatalf("User: %v", err)
	}
	if u.Level != directory.LevelLead || u.Email != "" || u.PasswordHash != "hash" {
		t.Fatalf("unexpected user: %+v", u)
	}
	if _, err := store.User(context.Background(), "ghost"); !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDirectoryWritesMapPgErrors(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec("insert into users").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectExec("insert into lead_members").
		WithArgs("w1", "ghost").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})
	mock.ExpectQuery(regexp.QuoteMeta("select member from lead_members where lead = $1")).
		WithArgs("lead-a").
		WillReturnRows(sqlmock.NewRows([]string{"member"}).AddRow("w1").AddRow("w2"))

	ctx := context.Background()
	if err := store.CreateUser(ctx, directory.User{Username: "w1", Level: directory.LevelMember}); !errors.Is(err, directory.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := store.AssignMember(ctx, "ghost", "w1"); !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	members, err := store.Members(ctx, "lead-a")
	if err != nil || len(members) != 2 {
		t.Fatalf("Members: %v %v", members, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
