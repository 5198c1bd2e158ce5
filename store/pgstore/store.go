// Package pgstore implements store.Store on PostgreSQL.
//
// Composite operations run inside one transaction; rotation and challenge
// consumption lock the affected rows with SELECT ... FOR UPDATE so concurrent
// callers serialize per token.
package pgstore

import (
	"context"
	"crypto/subtle"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/MrEthical07/gateauth/store"
)

const pgErrUniqueViolation = "23505"

//go:embed schema.sql
var schema string

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	db *sqlx.DB
}

var _ store.Store = (*Store)(nil)

// Open connects through the pgx stdlib driver.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return unavailable(err)
	}
	return nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation
}

type identityRow struct {
	ID           string       `db:"id"`
	Email        string       `db:"email"`
	PasswordHash string       `db:"password_hash"`
	Role         string       `db:"role"`
	CreatedAt    time.Time    `db:"created_at"`
	LastLoginAt  sql.NullTime `db:"last_login_at"`
	Verified     bool         `db:"verified"`
	Profile      []byte       `db:"profile"`
}

func (r identityRow) identity() (*store.Identity, error) {
	out := &store.Identity{
		ID:           r.ID,
		Email:        r.Email,
		PasswordHash: r.PasswordHash,
		Role:         r.Role,
		CreatedAt:    r.CreatedAt.UTC(),
		Verified:     r.Verified,
	}
	if r.LastLoginAt.Valid {
		out.LastLoginAt = r.LastLoginAt.Time.UTC()
	}
	if len(r.Profile) > 0 && string(r.Profile) != "{}" {
		if err := json.Unmarshal(r.Profile, &out.Profile); err != nil {
			return nil, fmt.Errorf("decode profile: %w", err)
		}
	}
	return out, nil
}

type refreshRow struct {
	TokenID    string    `db:"token_id"`
	FamilyID   string    `db:"family_id"`
	UserID     string    `db:"user_id"`
	SecretHash []byte    `db:"secret_hash"`
	IssuedAt   time.Time `db:"issued_at"`
	ExpiresAt  time.Time `db:"expires_at"`
	Used       bool      `db:"used"`
	Revoked    bool      `db:"revoked"`
}

func (r refreshRow) record() *store.RefreshRecord {
	out := &store.RefreshRecord{
		TokenID:       r.TokenID,
		FamilyID:      r.FamilyID,
		UserID:        r.UserID,
		IssuedAt:      r.IssuedAt.UTC(),
		ExpiresAt:     r.ExpiresAt.UTC(),
		Used:          r.Used,
		FamilyRevoked: r.Revoked,
	}
	copy(out.SecretHash[:], r.SecretHash)
	return out
}

type challengeRow struct {
	ID         string    `db:"id"`
	Purpose    string    `db:"purpose"`
	UserID     string    `db:"user_id"`
	SecretHash []byte    `db:"secret_hash"`
	ExpiresAt  time.Time `db:"expires_at"`
}

/* ==== IDENTITIES ==== */

const identityColumns = `id, email, password_hash, role, created_at, last_login_at, verified, profile`

func (s *Store) CreateIdentity(ctx context.Context, identity *store.Identity) error {
	profile := []byte("{}")
	if len(identity.Profile) > 0 {
		raw, err := json.Marshal(identity.Profile)
		if err != nil {
			return fmt.Errorf("encode profile: %w", err)
		}
		profile = raw
	}
	_, err := s.db.ExecContext(ctx, `
		insert into identities (id, email, password_hash, role, created_at, verified, profile)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, identity.ID, store.NormalizeEmail(identity.Email), identity.PasswordHash, identity.Role,
		identity.CreatedAt, identity.Verified, profile)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return unavailable(err)
	}
	return nil
}

func (s *Store) getIdentity(ctx context.Context, query string, arg string) (*store.Identity, error) {
	var row identityRow
	if err := s.db.GetContext(ctx, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, unavailable(err)
	}
	return row.identity()
}

func (s *Store) IdentityByEmail(ctx context.Context, email string) (*store.Identity, error) {
	return s.getIdentity(ctx, `select `+identityColumns+` from identities where email = $1`, store.NormalizeEmail(email))
}

func (s *Store) IdentityByID(ctx context.Context, id string) (*store.Identity, error) {
	return s.getIdentity(ctx, `select `+identityColumns+` from identities where id = $1`, id)
}

func expectOneRow(res sql.Result, err error) error {
	if err != nil {
		return unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) TouchLogin(ctx context.Context, id string, at time.Time) error {
	return expectOneRow(s.db.ExecContext(ctx, `update identities set last_login_at = $2 where id = $1`, id, at))
}

func (s *Store) UpdateRole(ctx context.Context, id, role string) error {
	return expectOneRow(s.db.ExecContext(ctx, `update identities set role = $2 where id = $1`, id, role))
}

func (s *Store) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := expectOneRow(tx.ExecContext(ctx, `update identities set password_hash = $2 where id = $1`, id, passwordHash)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `update refresh_families set revoked = true where user_id = $1`, id); err != nil {
			return unavailable(err)
		}
		return nil
	})
}

func (s *Store) RehashPassword(ctx context.Context, id, oldHash, newHash string) error {
	return expectOneRow(s.db.ExecContext(ctx,
		`update identities set password_hash = $3 where id = $1 and password_hash = $2`,
		id, oldHash, newHash))
}

/* ==== REFRESH FAMILIES ==== */

func (s *Store) SaveRefresh(ctx context.Context, rec *store.RefreshRecord) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			insert into refresh_families (id, user_id, revoked, created_at, expires_at)
			values ($1, $2, false, $3, $4)
			on conflict (id) do nothing
		`, rec.FamilyID, rec.UserID, rec.IssuedAt, rec.ExpiresAt); err != nil {
			return unavailable(err)
		}
		var revoked bool
		if err := tx.GetContext(ctx, &revoked, `select revoked from refresh_families where id = $1 for update`, rec.FamilyID); err != nil {
			return unavailable(err)
		}
		if revoked {
			return store.ErrRefreshRevoked
		}
		return insertToken(ctx, tx, rec)
	})
}

func insertToken(ctx context.Context, tx *sqlx.Tx, rec *store.RefreshRecord) error {
	if _, err := tx.ExecContext(ctx, `
		insert into refresh_tokens (token_id, family_id, user_id, secret_hash, issued_at, expires_at, used)
		values ($1, $2, $3, $4, $5, $6, false)
	`, rec.TokenID, rec.FamilyID, rec.UserID, rec.SecretHash[:], rec.IssuedAt, rec.ExpiresAt); err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return unavailable(err)
	}
	if _, err := tx.ExecContext(ctx, `
		update refresh_families set expires_at = greatest(expires_at, $2) where id = $1
	`, rec.FamilyID, rec.ExpiresAt); err != nil {
		return unavailable(err)
	}
	return nil
}

const selectRefresh = `
	select t.token_id, t.family_id, t.user_id, t.secret_hash, t.issued_at, t.expires_at, t.used, f.revoked
	from refresh_tokens t
	join refresh_families f on f.id = t.family_id
	where t.token_id = $1`

func (s *Store) GetRefresh(ctx context.Context, tokenID string) (*store.RefreshRecord, error) {
	var row refreshRow
	if err := s.db.GetContext(ctx, &row, selectRefresh, tokenID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, unavailable(err)
	}
	return row.record(), nil
}

// errCommitThenFail carries a domain error out of a transaction that must
// still be committed.
type errCommitThenFail struct{ err error }

func (e errCommitThenFail) Error() string { return e.err.Error() }

func (s *Store) RotateRefresh(ctx context.Context, tokenID string, presented [32]byte, next *store.RefreshRecord, now time.Time) (*store.RefreshRecord, error) {
	var old *store.RefreshRecord
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var row refreshRow
		if err := tx.GetContext(ctx, &row, selectRefresh+` for update of t, f`, tokenID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return unavailable(err)
		}
		if subtle.ConstantTimeCompare(row.SecretHash, presented[:]) != 1 {
			return store.ErrNotFound
		}
		if row.Used {
			if _, err := tx.ExecContext(ctx, `update refresh_families set revoked = true where id = $1`, row.FamilyID); err != nil {
				return unavailable(err)
			}
			return errCommitThenFail{store.ErrRefreshReuse}
		}
		if row.Revoked {
			return store.ErrRefreshRevoked
		}
		if !now.Before(row.ExpiresAt) {
			return store.ErrRefreshExpired
		}

		res, err := tx.ExecContext(ctx, `update refresh_tokens set used = true where token_id = $1 and used = false`, tokenID)
		if err := expectOneRow(res, err); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return store.ErrRefreshReuse
			}
			return err
		}

		next.FamilyID = row.FamilyID
		next.UserID = row.UserID
		if err := insertToken(ctx, tx, next); err != nil {
			return err
		}
		old = row.record()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return old, nil
}

func (s *Store) RevokeFamily(ctx context.Context, familyID string) error {
	if _, err := s.db.ExecContext(ctx, `update refresh_families set revoked = true where id = $1`, familyID); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) RevokeUserFamilies(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `update refresh_families set revoked = true where user_id = $1`, userID); err != nil {
		return unavailable(err)
	}
	return nil
}

/* ==== CHALLENGES ==== */

func (s *Store) SaveChallenge(ctx context.Context, ch *store.Challenge) error {
	_, err := s.db.ExecContext(ctx, `
		insert into challenges (id, purpose, user_id, email, secret_hash, issued_at, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, ch.ID, string(ch.Purpose), ch.UserID, ch.Email, ch.SecretHash[:], ch.IssuedAt, ch.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return unavailable(err)
	}
	return nil
}

// takeChallenge locks, validates and deletes a challenge inside tx. A
// mismatched challenge is left in place; an expired one is deleted and the
// deletion committed.
func takeChallenge(ctx context.Context, tx *sqlx.Tx, id string, purpose store.Purpose, presented [32]byte, now time.Time) (string, error) {
	var row challengeRow
	err := tx.GetContext(ctx, &row, `
		select id, purpose, user_id, secret_hash, expires_at from challenges where id = $1 for update
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", store.ErrChallengeInvalid
		}
		return "", unavailable(err)
	}
	if row.Purpose != string(purpose) || subtle.ConstantTimeCompare(row.SecretHash, presented[:]) != 1 {
		return "", store.ErrChallengeInvalid
	}
	if _, err := tx.ExecContext(ctx, `delete from challenges where id = $1`, id); err != nil {
		return "", unavailable(err)
	}
	if !now.Before(row.ExpiresAt) {
		return "", errCommitThenFail{store.ErrChallengeInvalid}
	}
	return row.UserID, nil
}

func (s *Store) ConsumePasswordReset(ctx context.Context, id string, presented [32]byte, passwordHash string, now time.Time) (string, error) {
	var userID string
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		uid, err := takeChallenge(ctx, tx, id, store.PurposePasswordReset, presented, now)
		if err != nil {
			return err
		}
		if err := expectOneRow(tx.ExecContext(ctx, `update identities set password_hash = $2 where id = $1`, uid, passwordHash)); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return store.ErrChallengeInvalid
			}
			return err
		}
		if _, err := tx.ExecContext(ctx, `update refresh_families set revoked = true where user_id = $1`, uid); err != nil {
			return unavailable(err)
		}
		userID = uid
		return nil
	})
	return userID, err
}

func (s *Store) ConsumeEmailVerification(ctx context.Context, id string, presented [32]byte, now time.Time) (string, error) {
	var userID string
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		uid, err := takeChallenge(ctx, tx, id, store.PurposeEmailVerification, presented, now)
		if err != nil {
			return err
		}
		if err := expectOneRow(tx.ExecContext(ctx, `update identities set verified = true where id = $1`, uid)); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return store.ErrChallengeInvalid
			}
			return err
		}
		userID = uid
		return nil
	})
	return userID, err
}

/* ==== MAINTENANCE ==== */

func (s *Store) Sweep(ctx context.Context, now time.Time) (store.SweepResult, error) {
	var res store.SweepResult
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		counts := []struct {
			query string
			dst   *int
		}{
			{`delete from refresh_tokens where expires_at <= $1`, &res.RefreshTokens},
			{`delete from refresh_families f where f.expires_at <= $1
				and not exists (select 1 from refresh_tokens t where t.family_id = f.id)`, &res.Families},
			{`delete from challenges where expires_at <= $1`, &res.Challenges},
		}
		for _, c := range counts {
			r, err := tx.ExecContext(ctx, c.query, now)
			if err != nil {
				return unavailable(err)
			}
			n, err := r.RowsAffected()
			if err != nil {
				return unavailable(err)
			}
			*c.dst = int(n)
		}
		return nil
	})
	return res, err
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

// inTx runs fn in a transaction. fn's error rolls back, except
// errCommitThenFail which commits the work done so far and then surfaces the
// wrapped error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		var keep errCommitThenFail
		if !errors.As(err, &keep) {
			return err
		}
		if cerr := tx.Commit(); cerr != nil {
			return unavailable(cerr)
		}
		return keep.err
	}
	if err := tx.Commit(); err != nil {
		return unavailable(err)
	}
	return nil
}
