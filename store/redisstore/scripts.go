package redisstore

import "github.com/redis/go-redis/v9"

const (
	saveStatusExists  int64 = 0
	saveStatusSaved   int64 = 1
	saveStatusRevoked int64 = 2
)

const (
	rotateStatusNotFound int64 = 0
	rotateStatusReuse    int64 = 1
	rotateStatusRevoked  int64 = 2
	rotateStatusExpired  int64 = 3
	rotateStatusRotated  int64 = 4
	rotateStatusConflict int64 = 5
)

const (
	consumeStatusInvalid  int64 = 0
	consumeStatusConsumed int64 = 1
)

const luaRevokeUser = `
local function revoke_user(user_fams_key, fam_prefix)
  local fams = redis.call("SMEMBERS", user_fams_key)
  for _, fid in ipairs(fams) do
    local fk = fam_prefix .. fid
    if redis.call("EXISTS", fk) == 1 then
      redis.call("HSET", fk, "revoked", "1")
    end
  end
end
`

// put_token writes a token hash, indexes it under its family and stretches
// the family metadata so it never expires before its newest member.
const luaPutToken = `
local function stretch(key, ttl)
  if redis.call("PTTL", key) < ttl then
    redis.call("PEXPIRE", key, ttl)
  end
end

local function put_token(tk, fk, ftk, ufk, token_id, fam, uid, hash, iat, exp, ttl)
  ttl = tonumber(ttl)
  redis.call("HSET", tk, "fam", fam, "uid", uid, "hash", hash, "iat", iat, "exp", exp, "used", "0")
  redis.call("PEXPIRE", tk, ttl)
  redis.call("SADD", ftk, token_id)
  local cur = tonumber(redis.call("HGET", fk, "exp") or "0")
  if tonumber(exp) > cur then
    redis.call("HSET", fk, "exp", exp)
  end
  stretch(fk, ttl)
  stretch(ftk, ttl)
  stretch(ufk, ttl)
end
`

const createIdentityScript = `
if redis.call("EXISTS", KEYS[1]) == 1 or redis.call("EXISTS", KEYS[2]) == 1 then
  return 0
end
redis.call("SET", KEYS[1], ARGV[1])
redis.call("HSET", KEYS[2],
  "email", ARGV[2], "digest", ARGV[3], "role", ARGV[4], "created", ARGV[5],
  "login", "0", "verified", ARGV[6], "profile", ARGV[7])
return 1
`

const setFieldScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
return 1
`

const updatePasswordScript = luaRevokeUser + `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], "digest", ARGV[1])
revoke_user(KEYS[2], ARGV[2])
return 1
`

// KEYS: identity
// ARGV: expected digest, new digest
const rehashPasswordScript = `
if redis.call("HGET", KEYS[1], "digest") ~= ARGV[1] then
  return 0
end
redis.call("HSET", KEYS[1], "digest", ARGV[2])
return 1
`

const revokeUserScript = luaRevokeUser + `
revoke_user(KEYS[1], ARGV[1])
return 1
`

const revokeFamilyScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  redis.call("HSET", KEYS[1], "revoked", "1")
end
return 1
`

// KEYS: token, family, family tokens, user families
// ARGV: token id, family id, user id, hash, iat, exp, ttl
const saveRefreshScript = luaPutToken + `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
if redis.call("EXISTS", KEYS[2]) == 0 then
  redis.call("HSET", KEYS[2], "uid", ARGV[3], "revoked", "0", "created", ARGV[5], "exp", "0")
  redis.call("SADD", KEYS[4], ARGV[2])
elseif redis.call("HGET", KEYS[2], "revoked") == "1" then
  return 2
end
put_token(KEYS[1], KEYS[2], KEYS[3], KEYS[4], ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5], ARGV[6], ARGV[7])
return 1
`

// KEYS: presented token, successor token
// ARGV: presented hash, now, family prefix, family tokens prefix,
// user families prefix, successor id, successor hash, successor iat,
// successor exp, successor ttl
const rotateRefreshScript = luaPutToken + `
local rec = redis.call("HMGET", KEYS[1], "fam", "uid", "hash", "iat", "exp", "used")
if not rec[1] or rec[3] ~= ARGV[1] then
  return {0}
end

local fk = ARGV[3] .. rec[1]
if redis.call("EXISTS", fk) == 0 then
  return {0}
end

if rec[6] == "1" then
  redis.call("HSET", fk, "revoked", "1")
  return {1}
end

if redis.call("HGET", fk, "revoked") == "1" then
  return {2}
end

if tonumber(rec[5]) <= tonumber(ARGV[2]) then
  return {3}
end

if redis.call("EXISTS", KEYS[2]) == 1 then
  return {5}
end

redis.call("HSET", KEYS[1], "used", "1")
put_token(KEYS[2], fk, ARGV[4] .. rec[1], ARGV[5] .. rec[2], ARGV[6], rec[1], rec[2], ARGV[7], ARGV[8], ARGV[9], ARGV[10])

return {4, rec[1], rec[2], rec[4], rec[5]}
`

// KEYS: challenge
// ARGV: purpose, presented hash, now, identity prefix,
// user families prefix, family prefix, new digest
const consumeChallengeScript = luaRevokeUser + `
local ch = redis.call("HMGET", KEYS[1], "purpose", "uid", "hash", "exp")
if not ch[1] or ch[1] ~= ARGV[1] or ch[3] ~= ARGV[2] then
  return {0}
end

redis.call("DEL", KEYS[1])
if tonumber(ch[4]) <= tonumber(ARGV[3]) then
  return {0}
end

local ik = ARGV[4] .. ch[2]
if redis.call("EXISTS", ik) == 0 then
  return {0}
end

if ARGV[1] == "password_reset" then
  redis.call("HSET", ik, "digest", ARGV[7])
  revoke_user(ARGV[5] .. ch[2], ARGV[6])
else
  redis.call("HSET", ik, "verified", "1")
end

return {1, ch[2]}
`

var (
	createIdentityLua   = redis.NewScript(createIdentityScript)
	setFieldLua         = redis.NewScript(setFieldScript)
	updatePasswordLua   = redis.NewScript(updatePasswordScript)
	rehashPasswordLua   = redis.NewScript(rehashPasswordScript)
	revokeUserLua       = redis.NewScript(revokeUserScript)
	revokeFamilyLua     = redis.NewScript(revokeFamilyScript)
	saveRefreshLua      = redis.NewScript(saveRefreshScript)
	rotateRefreshLua    = redis.NewScript(rotateRefreshScript)
	consumeChallengeLua = redis.NewScript(consumeChallengeScript)
)
