package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// memStore 同时实现 SharedStore 与 FileStore
type memStore struct {
	mu     sync.Mutex
	data   map[string][]byte
	ttls   map[string]time.Duration
	getErr error
	setErr error
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (m *memStore) get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memStore) set(key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.data[key] = value
	m.ttls[key] = ttl
	return nil
}

func (m *memStore) del(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	delete(m.data, key)
	return ok
}

func (m *memStore) delPrefix(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			delete(m.data, k)
			n++
		}
	}
	return n
}

type sharedMem struct{ *memStore }

func (s sharedMem) Get(_ context.Context, key string) ([]byte, bool, error) { return s.get(key) }
func (s sharedMem) Set(_ context.Context, key string, v []byte, ttl time.Duration) error {
	return s.set(key, v, ttl)
}
func (s sharedMem) Delete(_ context.Context, key string) (bool, error) { return s.del(key), nil }
func (s sharedMem) DeletePrefix(_ context.Context, prefix string) (int64, error) {
	return int64(s.delPrefix(prefix)), nil
}

type fileMem struct {
	*memStore
	maxAges []time.Duration
}

func (f *fileMem) Get(key string, maxAge time.Duration) ([]byte, bool, error) {
	f.maxAges = append(f.maxAges, maxAge)
	return f.get(key)
}
func (f *fileMem) Set(key string, v []byte) error          { return f.set(key, v, 0) }
func (f *fileMem) Delete(key string) (bool, error)         { return f.del(key), nil }
func (f *fileMem) DeletePrefix(prefix string) (int, error) { return f.delPrefix(prefix), nil }

type resource struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func newLocalOnly(capacity int, clock *testClock) *Service {
	return NewService(Options{LocalCapacity: capacity, DefaultTTL: time.Minute}, WithClock(clock.Now))
}

func TestKey_String(t *testing.T) {
	assert.Equal(t, "resource:42", NewKey(TypeResource, "42", nil).String())

	a := NewKey(TypeSearch, "cats", map[string]any{"limit": 20, "orientation": "landscape"})
	b := NewKey(TypeSearch, "cats", map[string]any{"orientation": "landscape", "limit": 20})
	c := NewKey(TypeSearch, "cats", map[string]any{"orientation": "portrait", "limit": 20})

	assert.Equal(t, a.String(), b.String())
	assert.NotEqual(t, a.String(), c.String())
	assert.True(t, strings.HasPrefix(a.String(), "search:cats:"))
	assert.Len(t, strings.TrimPrefix(a.String(), "search:cats:"), 16)
}

func TestParseType(t *testing.T) {
	typ, ok := ParseType("Search")
	assert.True(t, ok)
	assert.Equal(t, TypeSearch, typ)

	_, ok = ParseType("bogus")
	assert.False(t, ok)
}

func TestService_SetGetLocal(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Date(2024, 4, 10, 12, 0, 0, 0, time.UTC)}
	s := newLocalOnly(10, clock)
	k := NewKey(TypeResource, "1", nil)

	assert.True(t, s.Set(ctx, k, resource{ID: "1", Title: "cat"}))

	v, ok := s.Get(ctx, k)
	require.True(t, ok)
	assert.Equal(t, resource{ID: "1", Title: "cat"}, v)

	clock.Advance(time.Minute)
	_, ok = s.Get(ctx, k)
	assert.False(t, ok, "entry expires at its TTL")

	st := s.Stats()
	assert.EqualValues(t, 1, st.Hits)
	assert.EqualValues(t, 1, st.LocalHits)
	assert.EqualValues(t, 1, st.Misses)
	assert.InDelta(t, 50.0, st.HitRate, 1e-9)
	assert.Equal(t, 0, st.LocalSize)
	assert.False(t, st.SharedEnabled)
	assert.False(t, st.FileEnabled)
}

func TestService_TypeTTLAndOverride(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Date(2024, 4, 10, 12, 0, 0, 0, time.UTC)}
	shared := sharedMem{newMemStore()}
	s := NewService(Options{
		LocalCapacity: 10,
		DefaultTTL:    time.Minute,
		TypeTTL:       map[Type]time.Duration{TypeSearch: time.Hour},
	}, WithClock(clock.Now), WithSharedStore(shared))

	s.Set(ctx, NewKey(TypeSearch, "a", nil), "x")
	s.Set(ctx, NewKey(TypeResource, "b", nil), "y")
	s.Set(ctx, NewKey(TypeResource, "c", nil), "z", WithTTL(5*time.Second))

	assert.Equal(t, time.Hour, shared.ttls["search:a"])
	assert.Equal(t, time.Minute, shared.ttls["resource:b"])
	assert.Equal(t, 5*time.Second, shared.ttls["resource:c"])
}

func TestService_LRUEviction(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Date(2024, 4, 10, 12, 0, 0, 0, time.UTC)}
	const capacity = 5
	s := newLocalOnly(capacity, clock)

	for i := 0; i < capacity; i++ {
		s.Set(ctx, NewKey(TypeResource, fmt.Sprint(i), nil), i)
		clock.Advance(time.Second)
	}

	// 访问 0 号，使 1 号成为最久未使用
	_, ok := s.Get(ctx, NewKey(TypeResource, "0", nil))
	require.True(t, ok)
	clock.Advance(time.Second)

	s.Set(ctx, NewKey(TypeResource, "new", nil), "v")

	st := s.Stats()
	assert.Equal(t, capacity, st.LocalSize)
	assert.EqualValues(t, 1, st.Evictions)

	_, ok = s.Get(ctx, NewKey(TypeResource, "1", nil))
	assert.False(t, ok)
	for _, id := range []string{"0", "2", "3", "4", "new"} {
		_, ok := s.Get(ctx, NewKey(TypeResource, id, nil))
		assert.True(t, ok, id)
	}
}

func TestService_OverwriteAtCapacityDoesNotEvict(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Date(2024, 4, 10, 12, 0, 0, 0, time.UTC)}
	s := newLocalOnly(2, clock)

	s.Set(ctx, NewKey(TypeResource, "a", nil), 1)
	s.Set(ctx, NewKey(TypeResource, "b", nil), 2)
	s.Set(ctx, NewKey(TypeResource, "a", nil), 3)

	assert.EqualValues(t, 0, s.Stats().Evictions)
	v, ok := s.Get(ctx, NewKey(TypeResource, "a", nil))
	require.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestService_SharedTierFirstAndFailover(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Date(2024, 4, 10, 12, 0, 0, 0, time.UTC)}
	store := newMemStore()
	s := NewService(Options{LocalCapacity: 10, DefaultTTL: time.Minute},
		WithClock(clock.Now), WithSharedStore(sharedMem{store}))
	k := NewKey(TypeResource, "7", nil)

	require.True(t, s.Set(ctx, k, resource{ID: "7", Title: "dog"}))
	assert.JSONEq(t, `{"id":"7","title":"dog"}`, string(store.data["resource:7"]))

	got, ok, err := GetAs[resource](ctx, s, k)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "dog", got.Title)
	assert.EqualValues(t, 1, s.Stats().SharedHits)

	store.getErr = errors.New("redis down")
	got, ok, err = GetAs[resource](ctx, s, k)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "dog", got.Title)
	assert.EqualValues(t, 1, s.Stats().LocalHits)
}

func TestService_SetSurvivesSharedFailure(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Date(2024, 4, 10, 12, 0, 0, 0, time.UTC)}
	store := newMemStore()
	store.setErr = errors.New("redis down")
	s := NewService(Options{LocalCapacity: 10, DefaultTTL: time.Minute},
		WithClock(clock.Now), WithSharedStore(sharedMem{store}))

	assert.True(t, s.Set(ctx, NewKey(TypeSearch, "q", nil), []string{"a"}))
	v, ok := s.Get(ctx, NewKey(TypeSearch, "q", nil))
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, v)
}

func TestService_FileTier(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Date(2024, 4, 10, 12, 0, 0, 0, time.UTC)}
	files := &fileMem{memStore: newMemStore()}
	s := NewService(Options{LocalCapacity: 10, DefaultTTL: time.Minute, TypeTTL: map[Type]time.Duration{TypeDownload: time.Hour}},
		WithClock(clock.Now), WithFileStore(files))
	k := NewKey(TypeDownload, "9", nil)

	s.Set(ctx, k, map[string]string{"url": "https://cdn/9.jpg"}, InFile())
	require.Contains(t, files.data, "download:9")

	// 本地层过期后回落到文件层
	clock.Advance(2 * time.Minute)
	s.CleanupExpired()

	got, ok, err := GetAs[map[string]string](ctx, s, k)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "https://cdn/9.jpg", got["url"])
	assert.EqualValues(t, 1, s.Stats().FileHits)
	assert.Equal(t, time.Hour, files.maxAges[len(files.maxAges)-1])
}

func TestService_DeleteAndClearType(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Date(2024, 4, 10, 12, 0, 0, 0, time.UTC)}
	shared := newMemStore()
	files := &fileMem{memStore: newMemStore()}
	s := NewService(Options{LocalCapacity: 10, DefaultTTL: time.Minute},
		WithClock(clock.Now), WithSharedStore(sharedMem{shared}), WithFileStore(files))

	s.Set(ctx, NewKey(TypeSearch, "a", nil), 1, InFile())
	s.Set(ctx, NewKey(TypeSearch, "b", nil), 2)
	s.Set(ctx, NewKey(TypeResource, "c", nil), 3)

	assert.True(t, s.Delete(ctx, NewKey(TypeResource, "c", nil)))
	assert.False(t, s.Delete(ctx, NewKey(TypeResource, "c", nil)))

	// 共享层 2 + 本地 2 + 文件 1
	assert.Equal(t, 5, s.ClearType(ctx, TypeSearch))

	_, ok := s.Get(ctx, NewKey(TypeSearch, "a", nil))
	assert.False(t, ok)
	assert.Empty(t, shared.data)
	assert.Empty(t, files.data)
}

func TestService_CleanupExpired(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Date(2024, 4, 10, 12, 0, 0, 0, time.UTC)}
	s := newLocalOnly(10, clock)

	s.Set(ctx, NewKey(TypeSearch, "short", nil), 1, WithTTL(time.Second))
	s.Set(ctx, NewKey(TypeSearch, "long", nil), 2, WithTTL(time.Hour))
	clock.Advance(2 * time.Second)

	assert.Equal(t, 1, s.CleanupExpired())
	assert.Equal(t, 1, s.Stats().LocalSize)
}

func TestService_Warm(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Date(2024, 4, 10, 12, 0, 0, 0, time.UTC)}
	s := newLocalOnly(10, clock)

	n := s.Warm(ctx, []WarmItem{
		{Key: NewKey(TypePreferences, "u1", nil), Value: "dark"},
		{Key: NewKey(TypePreferences, "u2", nil), Value: "light", TTL: time.Hour},
	})
	assert.Equal(t, 2, n)

	v, ok := s.Get(ctx, NewKey(TypePreferences, "u2", nil))
	require.True(t, ok)
	assert.Equal(t, "light", v)
}

func TestCached_CollapsesConcurrentLoads(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Date(2024, 4, 10, 12, 0, 0, 0, time.UTC)}
	s := newLocalOnly(10, clock)
	k := NewKey(TypeResource, "slow", nil)

	var calls atomic.Int32
	release := make(chan struct{})
	load := func(context.Context) (resource, error) {
		calls.Add(1)
		<-release
		return resource{ID: "slow"}, nil
	}

	var wg sync.WaitGroup
	results := make([]resource, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := Cached(ctx, s, k, load)
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, "slow", r.ID)
	}

	before := calls.Load()
	r, err := Cached(ctx, s, k, load)
	require.NoError(t, err)
	assert.Equal(t, "slow", r.ID)
	assert.Equal(t, before, calls.Load(), "second call is served from cache")
}

func TestCached_DoesNotStoreErrors(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Date(2024, 4, 10, 12, 0, 0, 0, time.UTC)}
	s := newLocalOnly(10, clock)
	k := NewKey(TypeResource, "err", nil)

	_, err := Cached(ctx, s, k, func(context.Context) (int, error) {
		return 0, errors.New("boom")
	})
	require.Error(t, err)

	_, ok := s.Get(ctx, k)
	assert.False(t, ok)
}
