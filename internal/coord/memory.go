package coord

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

type memValue struct {
	value     string
	expiresAt time.Time
}

type zMember struct {
	member string
	score  float64
}

// MemoryStore is a process-local Store. One mutex guards everything, which
// gives each operation the same atomicity the Redis implementation has.
type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	values map[string]memValue
	lists  map[string][]string
	zsets  map[string][]zMember
}

// NewMemoryStore creates an empty store using the wall clock
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:    time.Now,
		values: make(map[string]memValue),
		lists:  make(map[string][]string),
		zsets:  make(map[string][]zMember),
	}
}

// WithClock replaces the clock used for expiry
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

func (m *MemoryStore) lookup(key string) (memValue, bool) {
	v, ok := m.values[key]
	if !ok {
		return memValue{}, false
	}
	if !v.expiresAt.IsZero() && !m.now().Before(v.expiresAt) {
		delete(m.values, key)
		return memValue{}, false
	}
	return v, true
}

func (m *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.values[key] = memValue{value: value, expiresAt: m.expiry(ttl)}
	return true, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = memValue{value: value, expiresAt: m.expiry(ttl)}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.lookup(key)
	return v.value, ok, nil
}

func (m *MemoryStore) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
		delete(m.lists, k)
		delete(m.zsets, k)
	}
	return nil
}

func (m *MemoryStore) CompareAndDelete(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.lookup(key)
	if !ok || v.value != value {
		return false, nil
	}
	delete(m.values, key)
	return true, nil
}

func (m *MemoryStore) IncrBy(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.lookup(key)
	if !ok {
		m.values[key] = memValue{value: strconv.FormatInt(delta, 10), expiresAt: m.expiry(ttl)}
		return delta, nil
	}
	n, err := strconv.ParseInt(v.value, 10, 64)
	if err != nil {
		return 0, err
	}
	n += delta
	v.value = strconv.FormatInt(n, 10)
	m.values[key] = v
	return n, nil
}

func (m *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.lookup(key)
	if !ok || v.expiresAt.IsZero() {
		return 0, nil
	}
	return v.expiresAt.Sub(m.now()), nil
}

func (m *MemoryStore) ListPush(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append(m.lists[key], values...)
	return nil
}

func (m *MemoryStore) ListPop(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	if len(l) == 0 {
		return "", false, nil
	}
	head := l[0]
	m.lists[key] = l[1:]
	return head, true, nil
}

func (m *MemoryStore) ListHead(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	if len(l) == 0 {
		return "", false, nil
	}
	return l[0], true, nil
}

func (m *MemoryStore) ListLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[key])), nil
}

func (m *MemoryStore) ZAdd(_ context.Context, key, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.zsets[key]
	for i := range set {
		if set[i].member == member {
			set = append(set[:i], set[i+1:]...)
			break
		}
	}
	set = append(set, zMember{member: member, score: score})
	sort.SliceStable(set, func(i, j int) bool {
		if set[i].score != set[j].score {
			return set[i].score < set[j].score
		}
		return set[i].member < set[j].member
	})
	m.zsets[key] = set
	return nil
}

func (m *MemoryStore) ZMoveDue(_ context.Context, key, listKey string, max float64, limit int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.zsets[key]
	i := 0
	for i < len(set) && set[i].score <= max && (limit <= 0 || int64(i) < limit) {
		m.lists[listKey] = append(m.lists[listKey], set[i].member)
		i++
	}
	m.zsets[key] = set[i:]
	return int64(i), nil
}

func (m *MemoryStore) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.zsets[key])), nil
}

func (m *MemoryStore) ZMinScore(_ context.Context, key string) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.zsets[key]
	if len(set) == 0 {
		return 0, false, nil
	}
	return set[0].score, true, nil
}
