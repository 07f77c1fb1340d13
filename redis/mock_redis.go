package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mozservices/syncstore"
)

type mockEntry struct {
	value []byte
	// expiry is the absolute deadline, zero time for no expiry.
	expiry time.Time
}

// mockRedis is an in-memory stand-in for the real client, honoring the
// full Cache contract including Add and CompareAndSwap so coordinator
// and health-monitor tests can run without a server.
type mockRedis struct {
	mu     sync.Mutex
	lookup map[string]mockEntry
}

// NewMockClient returns a new Redis mock client.
func NewMockClient() syncstore.Cache {
	return &mockRedis{
		lookup: make(map[string]mockEntry),
	}
}

func (m *mockRedis) get(key string) ([]byte, bool) {
	e, ok := m.lookup[key]
	if !ok {
		return nil, false
	}
	if !e.expiry.IsZero() && !e.expiry.After(time.Now()) {
		delete(m.lookup, key)
		return nil, false
	}
	return e.value, true
}

func (m *mockRedis) put(key string, value []byte, expiration time.Duration) {
	e := mockEntry{value: value}
	if expiration > 0 {
		e.expiry = time.Now().Add(expiration)
	}
	m.lookup[key] = e
}

func (m *mockRedis) Ping(ctx context.Context) error {
	return nil
}

func (m *mockRedis) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookup = make(map[string]mockEntry)
	return nil
}

func (m *mockRedis) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if expiration < 0 {
		return nil
	}
	m.put(key, []byte(value), expiration)
	return nil
}

func (m *mockRedis) Get(ctx context.Context, key string) (bool, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ba, ok := m.get(key)
	return ok, string(ba), nil
}

func (m *mockRedis) GetEx(ctx context.Context, key string, expiration time.Duration) (bool, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ba, ok := m.get(key)
	if ok {
		m.put(key, ba, expiration)
	}
	return ok, string(ba), nil
}

func (m *mockRedis) SetStruct(ctx context.Context, key string, value any, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if expiration < 0 {
		return nil
	}
	ba, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.put(key, ba, expiration)
	return nil
}

func (m *mockRedis) GetStruct(ctx context.Context, key string, target any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if target == nil {
		return false, fmt.Errorf("target can't be nil")
	}
	ba, ok := m.get(key)
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(ba, target)
}

func (m *mockRedis) Add(ctx context.Context, key string, value any, expiration time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.get(key); exists {
		return false, nil
	}
	ba, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	m.put(key, ba, expiration)
	return true, nil
}

func (m *mockRedis) GetWithToken(ctx context.Context, key string, target any) (bool, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ba, ok := m.get(key)
	if !ok {
		return false, "", nil
	}
	if target != nil {
		if err := json.Unmarshal(ba, target); err != nil {
			return false, "", err
		}
	}
	return true, string(ba), nil
}

func (m *mockRedis) CompareAndSwap(ctx context.Context, key string, token string, value any, expiration time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.get(key)
	if !ok || string(cur) != token {
		return false, nil
	}
	ba, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	m.put(key, ba, expiration)
	return true, nil
}

func (m *mockRedis) Delete(ctx context.Context, keys []string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := true
	for _, k := range keys {
		if _, ok := m.get(k); !ok {
			found = false
			continue
		}
		delete(m.lookup, k)
	}
	return found, nil
}

func (m *mockRedis) Lock(ctx context.Context, duration time.Duration, lockKeys []*syncstore.LockKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, lk := range lockKeys {
		if cur, ok := m.get(lk.Key); ok {
			if string(cur) != lk.LockID.String() {
				return false, nil
			}
			continue
		}
		m.put(lk.Key, []byte(lk.LockID.String()), duration)
		lk.IsLockOwner = true
	}
	return true, nil
}

func (m *mockRedis) IsLocked(ctx context.Context, lockKeys []*syncstore.LockKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := true
	for _, lk := range lockKeys {
		cur, ok := m.get(lk.Key)
		if !ok || string(cur) != lk.LockID.String() {
			lk.IsLockOwner = false
			r = false
			continue
		}
		lk.IsLockOwner = true
	}
	return r, nil
}

func (m *mockRedis) Unlock(ctx context.Context, lockKeys []*syncstore.LockKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, lk := range lockKeys {
		if !lk.IsLockOwner {
			continue
		}
		delete(m.lookup, lk.Key)
	}
	return nil
}

func (m *mockRedis) CreateLockKeys(keys []string) []*syncstore.LockKey {
	lockKeys := make([]*syncstore.LockKey, len(keys))
	for i := range keys {
		lockKeys[i] = &syncstore.LockKey{
			Key:    m.FormatLockKey(keys[i]),
			LockID: uuid.New(),
		}
	}
	return lockKeys
}

func (m *mockRedis) FormatLockKey(k string) string {
	return fmt.Sprintf("L%s", k)
}
