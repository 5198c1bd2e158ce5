// Package redisstore implements store.Store on Redis.
//
// Identities are hashes indexed by normalized email. Refresh tokens are hashes
// that expire with the token; families carry the revocation flag and outlive
// their newest member. Every multi-key mutation runs as a Lua script so it is
// applied atomically by the server.
package redisstore

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MrEthical07/gateauth/store"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "ga"
	scanCount     = 256
)

// Store is a Redis-backed store.Store.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

var _ store.Store = (*Store)(nil)

// New creates a Store on client. prefix namespaces every key; empty selects "ga".
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{redis: client, prefix: prefix}
}

func (s *Store) identityKey(id string) string     { return s.prefix + ":id:" + id }
func (s *Store) emailKey(email string) string     { return s.prefix + ":em:" + email }
func (s *Store) tokenKey(tokenID string) string   { return s.prefix + ":rt:" + tokenID }
func (s *Store) familyKey(familyID string) string { return s.prefix + ":rf:" + familyID }
func (s *Store) familyTokensKey(familyID string) string {
	return s.prefix + ":rft:" + familyID
}
func (s *Store) userFamiliesKey(userID string) string { return s.prefix + ":ruf:" + userID }
func (s *Store) challengeKey(id string) string        { return s.prefix + ":ch:" + id }

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}

func millis(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func encodeHash(h [32]byte) string {
	return hex.EncodeToString(h[:])
}

func decodeHash(v string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(v)
	if err != nil || len(raw) != len(out) {
		return out, errors.New("invalid stored digest")
	}
	copy(out[:], raw)
	return out, nil
}

func ttlMillis(issued, expires time.Time) int64 {
	ttl := expires.Sub(issued).Milliseconds()
	if ttl < 1 {
		ttl = 1
	}
	return ttl
}

// retainMillis keeps refresh keys for one extra lifetime past exp so a late
// presentation is still classified as expired. Sweep reclaims them earlier.
func retainMillis(issued, expires time.Time) int64 {
	return 2 * ttlMillis(issued, expires)
}

/* ==== IDENTITIES ==== */

func (s *Store) CreateIdentity(ctx context.Context, identity *store.Identity) error {
	email := store.NormalizeEmail(identity.Email)
	profile := []byte("{}")
	if len(identity.Profile) > 0 {
		raw, err := json.Marshal(identity.Profile)
		if err != nil {
			return fmt.Errorf("encode profile: %w", err)
		}
		profile = raw
	}
	verified := "0"
	if identity.Verified {
		verified = "1"
	}

	created, err := createIdentityLua.Run(ctx, s.redis,
		[]string{s.emailKey(email), s.identityKey(identity.ID)},
		identity.ID, email, identity.PasswordHash, identity.Role, millis(identity.CreatedAt), verified, string(profile),
	).Int64()
	if err != nil {
		return unavailable(err)
	}
	if created == 0 {
		return store.ErrDuplicate
	}
	return nil
}

func (s *Store) IdentityByEmail(ctx context.Context, email string) (*store.Identity, error) {
	id, err := s.redis.Get(ctx, s.emailKey(store.NormalizeEmail(email))).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, unavailable(err)
	}
	return s.IdentityByID(ctx, id)
}

func (s *Store) IdentityByID(ctx context.Context, id string) (*store.Identity, error) {
	fields, err := s.redis.HGetAll(ctx, s.identityKey(id)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(fields) == 0 {
		return nil, store.ErrNotFound
	}

	identity := &store.Identity{
		ID:           id,
		Email:        fields["email"],
		PasswordHash: fields["digest"],
		Role:         fields["role"],
		CreatedAt:    parseMillis(fields["created"]),
		LastLoginAt:  parseMillis(fields["login"]),
		Verified:     fields["verified"] == "1",
	}
	if raw := fields["profile"]; raw != "" && raw != "{}" {
		if err := json.Unmarshal([]byte(raw), &identity.Profile); err != nil {
			return nil, fmt.Errorf("decode profile: %w", err)
		}
	}
	return identity, nil
}

func (s *Store) setField(ctx context.Context, id, field, value string) error {
	ok, err := setFieldLua.Run(ctx, s.redis, []string{s.identityKey(id)}, field, value).Int64()
	if err != nil {
		return unavailable(err)
	}
	if ok == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) TouchLogin(ctx context.Context, id string, at time.Time) error {
	return s.setField(ctx, id, "login", millis(at))
}

func (s *Store) UpdateRole(ctx context.Context, id, role string) error {
	return s.setField(ctx, id, "role", role)
}

func (s *Store) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	ok, err := updatePasswordLua.Run(ctx, s.redis,
		[]string{s.identityKey(id), s.userFamiliesKey(id)},
		passwordHash, s.familyKey(""),
	).Int64()
	if err != nil {
		return unavailable(err)
	}
	if ok == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) RehashPassword(ctx context.Context, id, oldHash, newHash string) error {
	ok, err := rehashPasswordLua.Run(ctx, s.redis, []string{s.identityKey(id)}, oldHash, newHash).Int64()
	if err != nil {
		return unavailable(err)
	}
	if ok == 0 {
		return store.ErrNotFound
	}
	return nil
}

/* ==== REFRESH FAMILIES ==== */

func (s *Store) SaveRefresh(ctx context.Context, rec *store.RefreshRecord) error {
	status, err := saveRefreshLua.Run(ctx, s.redis,
		[]string{
			s.tokenKey(rec.TokenID),
			s.familyKey(rec.FamilyID),
			s.familyTokensKey(rec.FamilyID),
			s.userFamiliesKey(rec.UserID),
		},
		rec.TokenID, rec.FamilyID, rec.UserID, encodeHash(rec.SecretHash),
		millis(rec.IssuedAt), millis(rec.ExpiresAt), retainMillis(rec.IssuedAt, rec.ExpiresAt),
	).Int64()
	if err != nil {
		return unavailable(err)
	}
	switch status {
	case saveStatusSaved:
		return nil
	case saveStatusExists:
		return store.ErrDuplicate
	case saveStatusRevoked:
		return store.ErrRefreshRevoked
	default:
		return fmt.Errorf("%w: unknown save status %d", store.ErrUnavailable, status)
	}
}

func (s *Store) GetRefresh(ctx context.Context, tokenID string) (*store.RefreshRecord, error) {
	fields, err := s.redis.HGetAll(ctx, s.tokenKey(tokenID)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(fields) == 0 {
		return nil, store.ErrNotFound
	}
	hash, err := decodeHash(fields["hash"])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}

	rec := &store.RefreshRecord{
		TokenID:    tokenID,
		FamilyID:   fields["fam"],
		UserID:     fields["uid"],
		SecretHash: hash,
		IssuedAt:   parseMillis(fields["iat"]),
		ExpiresAt:  parseMillis(fields["exp"]),
		Used:       fields["used"] == "1",
	}

	revoked, err := s.redis.HGet(ctx, s.familyKey(rec.FamilyID), "revoked").Result()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, store.ErrNotFound
	case err != nil:
		return nil, unavailable(err)
	}
	rec.FamilyRevoked = revoked == "1"
	return rec, nil
}

// RotateRefresh runs the rotation as one Lua compare-and-swap so concurrent
// callers presenting the same token see exactly one winner.
func (s *Store) RotateRefresh(ctx context.Context, tokenID string, presented [32]byte, next *store.RefreshRecord, now time.Time) (*store.RefreshRecord, error) {
	result, err := rotateRefreshLua.Run(ctx, s.redis,
		[]string{s.tokenKey(tokenID), s.tokenKey(next.TokenID)},
		encodeHash(presented),
		millis(now),
		s.familyKey(""),
		s.familyTokensKey(""),
		s.userFamiliesKey(""),
		next.TokenID,
		encodeHash(next.SecretHash),
		millis(next.IssuedAt),
		millis(next.ExpiresAt),
		retainMillis(next.IssuedAt, next.ExpiresAt),
	).Slice()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("%w: invalid rotate script response", store.ErrUnavailable)
	}
	code, ok := result[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: invalid rotate script status", store.ErrUnavailable)
	}

	switch code {
	case rotateStatusNotFound:
		return nil, store.ErrNotFound
	case rotateStatusReuse:
		return nil, store.ErrRefreshReuse
	case rotateStatusRevoked:
		return nil, store.ErrRefreshRevoked
	case rotateStatusExpired:
		return nil, store.ErrRefreshExpired
	case rotateStatusConflict:
		return nil, store.ErrDuplicate
	case rotateStatusRotated:
		if len(result) < 5 {
			return nil, fmt.Errorf("%w: missing rotated record", store.ErrUnavailable)
		}
		familyID, _ := result[1].(string)
		userID, _ := result[2].(string)
		issued, _ := result[3].(string)
		expires, _ := result[4].(string)

		next.FamilyID = familyID
		next.UserID = userID
		return &store.RefreshRecord{
			TokenID:    tokenID,
			FamilyID:   familyID,
			UserID:     userID,
			SecretHash: presented,
			IssuedAt:   parseMillis(issued),
			ExpiresAt:  parseMillis(expires),
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown rotate status %d", store.ErrUnavailable, code)
	}
}

func (s *Store) RevokeFamily(ctx context.Context, familyID string) error {
	if err := revokeFamilyLua.Run(ctx, s.redis, []string{s.familyKey(familyID)}).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) RevokeUserFamilies(ctx context.Context, userID string) error {
	if err := revokeUserLua.Run(ctx, s.redis, []string{s.userFamiliesKey(userID)}, s.familyKey("")).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

/* ==== CHALLENGES ==== */

func (s *Store) SaveChallenge(ctx context.Context, ch *store.Challenge) error {
	key := s.challengeKey(ch.ID)
	ttl := time.Duration(ttlMillis(ch.IssuedAt, ch.ExpiresAt)) * time.Millisecond

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"purpose", string(ch.Purpose),
			"uid", ch.UserID,
			"email", ch.Email,
			"hash", encodeHash(ch.SecretHash),
			"iat", millis(ch.IssuedAt),
			"exp", millis(ch.ExpiresAt),
		)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) consume(ctx context.Context, purpose store.Purpose, id string, presented [32]byte, passwordHash string, now time.Time) (string, error) {
	result, err := consumeChallengeLua.Run(ctx, s.redis,
		[]string{s.challengeKey(id)},
		string(purpose),
		encodeHash(presented),
		millis(now),
		s.identityKey(""),
		s.userFamiliesKey(""),
		s.familyKey(""),
		passwordHash,
	).Slice()
	if err != nil {
		return "", unavailable(err)
	}
	if len(result) == 0 {
		return "", fmt.Errorf("%w: invalid consume script response", store.ErrUnavailable)
	}
	code, _ := result[0].(int64)
	if code != consumeStatusConsumed || len(result) < 2 {
		return "", store.ErrChallengeInvalid
	}
	userID, _ := result[1].(string)
	return userID, nil
}

func (s *Store) ConsumePasswordReset(ctx context.Context, id string, presented [32]byte, passwordHash string, now time.Time) (string, error) {
	return s.consume(ctx, store.PurposePasswordReset, id, presented, passwordHash, now)
}

func (s *Store) ConsumeEmailVerification(ctx context.Context, id string, presented [32]byte, now time.Time) (string, error) {
	return s.consume(ctx, store.PurposeEmailVerification, id, presented, "", now)
}

/* ==== MAINTENANCE ==== */

// Sweep deletes records whose logical expiry has passed. Key TTLs already
// bound memory; the sweep only reclaims records ahead of their TTL and prunes
// family indexes.
func (s *Store) Sweep(ctx context.Context, now time.Time) (store.SweepResult, error) {
	var res store.SweepResult
	nowMs := now.UnixMilli()

	err := s.scan(ctx, s.tokenKey("*"), func(key string) error {
		vals, err := s.redis.HMGet(ctx, key, "fam", "exp").Result()
		if err != nil {
			return err
		}
		if !expiredField(vals[1], nowMs) {
			return nil
		}
		familyID, _ := vals[0].(string)
		tokenID := key[len(s.tokenKey("")):]
		_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, s.familyTokensKey(familyID), tokenID)
			return nil
		})
		if err == nil {
			res.RefreshTokens++
		}
		return err
	})
	if err != nil {
		return res, unavailable(err)
	}

	err = s.scan(ctx, s.familyKey("*"), func(key string) error {
		familyID := key[len(s.familyKey("")):]
		vals, err := s.redis.HMGet(ctx, key, "uid", "exp").Result()
		if err != nil {
			return err
		}
		if !expiredField(vals[1], nowMs) {
			return nil
		}
		members, err := s.redis.SCard(ctx, s.familyTokensKey(familyID)).Result()
		if err != nil {
			return err
		}
		if members > 0 {
			return nil
		}
		userID, _ := vals[0].(string)
		_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key, s.familyTokensKey(familyID))
			pipe.SRem(ctx, s.userFamiliesKey(userID), familyID)
			return nil
		})
		if err == nil {
			res.Families++
		}
		return err
	})
	if err != nil {
		return res, unavailable(err)
	}

	err = s.scan(ctx, s.challengeKey("*"), func(key string) error {
		exp, err := s.redis.HGet(ctx, key, "exp").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if !expiredField(exp, nowMs) {
			return nil
		}
		if err := s.redis.Del(ctx, key).Err(); err != nil {
			return err
		}
		res.Challenges++
		return nil
	})
	if err != nil {
		return res, unavailable(err)
	}
	return res, nil
}

func (s *Store) scan(ctx context.Context, pattern string, fn func(key string) error) error {
	iter := s.redis.Scan(ctx, 0, pattern, scanCount).Iterator()
	for iter.Next(ctx) {
		if err := fn(iter.Val()); err != nil {
			return err
		}
	}
	return iter.Err()
}

func expiredField(v interface{}, nowMs int64) bool {
	str, ok := v.(string)
	if !ok || str == "" {
		return false
	}
	ms, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return false
	}
	return ms <= nowMs
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}
