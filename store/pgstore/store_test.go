package pgstore

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/gateauth/store"
)

var (
	issued  = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	expires = issued.Add(time.Hour)
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(sqlx.NewDb(db, "pgx")), mock
}

var refreshColumns = []string{"token_id", "family_id", "user_id", "secret_hash", "issued_at", "expires_at", "used", "revoked"}

func TestCreateIdentityMapsUniqueViolation(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("insert into identities").
		WithArgs("u1", "alice@example.com", "hash", "viewer", issued, false, []byte("{}")).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	err := s.CreateIdentity(context.Background(), &store.Identity{
		ID: "u1", Email: " Alice@Example.com", PasswordHash: "hash", Role: "viewer", CreatedAt: issued,
	})
	assert.ErrorIs(t, err, store.ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdentityByEmailNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("select (.+) from identities where email = \\$1").
		WithArgs("nobody@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.IdentityByEmail(context.Background(), "Nobody@example.com")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRehashPasswordComparesDigest(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("update identities set password_hash = \\$3 where id = \\$1 and password_hash = \\$2").
		WithArgs("u1", "old", "new").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update identities set password_hash = \\$3 where id = \\$1 and password_hash = \\$2").
		WithArgs("u1", "old", "newer").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.RehashPassword(context.Background(), "u1", "old", "new"))
	assert.ErrorIs(t, s.RehashPassword(context.Background(), "u1", "old", "newer"), store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdentityByIDDecodesProfile(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "email", "password_hash", "role", "created_at", "last_login_at", "verified", "profile"}).
		AddRow("u1", "alice@example.com", "hash", "admin", issued, nil, true, []byte(`{"name":"Alice"}`))
	mock.ExpectQuery("select (.+) from identities where id = \\$1").WithArgs("u1").WillReturnRows(rows)

	got, err := s.IdentityByID(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "admin", got.Role)
	assert.True(t, got.Verified)
	assert.True(t, got.LastLoginAt.IsZero())
	assert.Equal(t, "Alice", got.Profile["name"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRotateRefreshChainsSuccessor(t *testing.T) {
	s, mock := newMockStore(t)
	presented := sha256.Sum256([]byte("secret-0"))

	mock.ExpectBegin()
	mock.ExpectQuery("select t.token_id, (.+) for update of t, f").
		WithArgs("t0").
		WillReturnRows(sqlmock.NewRows(refreshColumns).AddRow("t0", "f1", "u1", presented[:], issued, expires, false, false))
	mock.ExpectExec("update refresh_tokens set used = true where token_id = \\$1 and used = false").
		WithArgs("t0").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into refresh_tokens").
		WithArgs("t1", "f1", "u1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update refresh_families set expires_at").
		WithArgs("f1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	next := &store.RefreshRecord{
		TokenID:    "t1",
		SecretHash: sha256.Sum256([]byte("secret-1")),
		IssuedAt:   issued.Add(time.Minute),
		ExpiresAt:  expires.Add(time.Minute),
	}
	old, err := s.RotateRefresh(context.Background(), "t0", presented, next, issued.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "u1", old.UserID)
	assert.Equal(t, "f1", next.FamilyID)
	assert.Equal(t, "u1", next.UserID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRotateRefreshReuseRevokesAndCommits(t *testing.T) {
	s, mock := newMockStore(t)
	presented := sha256.Sum256([]byte("secret-0"))

	mock.ExpectBegin()
	mock.ExpectQuery("select t.token_id, (.+) for update of t, f").
		WithArgs("t0").
		WillReturnRows(sqlmock.NewRows(refreshColumns).AddRow("t0", "f1", "u1", presented[:], issued, expires, true, false))
	mock.ExpectExec("update refresh_families set revoked = true where id = \\$1").
		WithArgs("f1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := s.RotateRefresh(context.Background(), "t0", presented, &store.RefreshRecord{TokenID: "t1"}, issued)
	assert.ErrorIs(t, err, store.ErrRefreshReuse)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRotateRefreshMismatchRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	stored := sha256.Sum256([]byte("secret-0"))

	mock.ExpectBegin()
	mock.ExpectQuery("select t.token_id, (.+) for update of t, f").
		WithArgs("t0").
		WillReturnRows(sqlmock.NewRows(refreshColumns).AddRow("t0", "f1", "u1", stored[:], issued, expires, false, false))
	mock.ExpectRollback()

	_, err := s.RotateRefresh(context.Background(), "t0", sha256.Sum256([]byte("forged")), &store.RefreshRecord{TokenID: "t1"}, issued)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumePasswordResetIsOneTransaction(t *testing.T) {
	s, mock := newMockStore(t)
	presented := sha256.Sum256([]byte("reset"))

	mock.ExpectBegin()
	mock.ExpectQuery("select id, purpose, user_id, secret_hash, expires_at from challenges where id = \\$1 for update").
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "purpose", "user_id", "secret_hash", "expires_at"}).
			AddRow("r1", string(store.PurposePasswordReset), "u1", presented[:], expires))
	mock.ExpectExec("delete from challenges where id = \\$1").WithArgs("r1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update identities set password_hash = \\$2 where id = \\$1").
		WithArgs("u1", "new-hash").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update refresh_families set revoked = true where user_id = \\$1").
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	userID, err := s.ConsumePasswordReset(context.Background(), "r1", presented, "new-hash", issued)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeExpiredResetDeletesChallenge(t *testing.T) {
	s, mock := newMockStore(t)
	presented := sha256.Sum256([]byte("reset"))

	mock.ExpectBegin()
	mock.ExpectQuery("select id, purpose, user_id, secret_hash, expires_at from challenges").
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "purpose", "user_id", "secret_hash", "expires_at"}).
			AddRow("r1", string(store.PurposePasswordReset), "u1", presented[:], issued))
	mock.ExpectExec("delete from challenges where id = \\$1").WithArgs("r1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := s.ConsumePasswordReset(context.Background(), "r1", presented, "new-hash", expires)
	assert.ErrorIs(t, err, store.ErrChallengeInvalid)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepCountsDeletedRows(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("delete from refresh_tokens where expires_at <= \\$1").WithArgs(expires).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("delete from refresh_families f where f.expires_at <= \\$1").WithArgs(expires).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("delete from challenges where expires_at <= \\$1").WithArgs(expires).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	res, err := s.Sweep(context.Background(), expires)
	require.NoError(t, err)
	assert.Equal(t, store.SweepResult{RefreshTokens: 3, Families: 1, Challenges: 2}, res)
	assert.Equal(t, 6, res.Total())
	assert.NoError(t, mock.ExpectationsWereMet())
}
