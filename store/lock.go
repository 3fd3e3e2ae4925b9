package store

import (
	"context"
)

// PairKey returns the canonical lock key fragment for an unordered pair of
// participant ids. The pair is sorted so both orderings map to one key.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// AcquirePairLock attempts a create-if-absent lock over the unordered pair,
// with the configured TTL as a leak backstop. It returns false immediately
// when another session creation holds the lock; callers never wait.
func (s *Store) AcquirePairLock(ctx context.Context, a, b string) (bool, error) {
	key := s.config.KeyPrefix + "lock:pair:" + PairKey(a, b)
	ok, err := s.client.SetNX(ctx, key, "1", s.config.PairLockTTL).Result()
	if err != nil {
		return false, storeErr("acquire pair lock", err)
	}
	return ok, nil
}

// ReleasePairLock deletes the pair lock. Safe to call when the lock has
// already expired; the TTL covers crashed holders.
func (s *Store) ReleasePairLock(ctx context.Context, a, b string) error {
	key := s.config.KeyPrefix + "lock:pair:" + PairKey(a, b)
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return storeErr("release pair lock", err)
	}
	return nil
}
