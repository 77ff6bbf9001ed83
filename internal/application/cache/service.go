package cache

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"content-pipeline-api/pkg/logger"
	"content-pipeline-api/pkg/metrics"
)

// 缓存层级
const (
	TierShared = "shared"
	TierLocal  = "local"
	TierFile   = "file"
)

// SharedStore 跨进程共享的缓存层（Redis）
type SharedStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
	DeletePrefix(ctx context.Context, prefix string) (int64, error)
}

// FileStore 文件缓存层，按修改时间判断过期
type FileStore interface {
	Get(key string, maxAge time.Duration) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) (bool, error)
	DeletePrefix(prefix string) (int, error)
}

// Entry 进程内缓存条目
type Entry struct {
	Key          string
	Value        any
	Type         Type
	CreatedAt    time.Time
	ExpiresAt    time.Time
	AccessCount  int64
	LastAccessed time.Time
}

// lastUsed 最近访问时间，未访问过则取创建时间
func (e *Entry) lastUsed() time.Time {
	if e.LastAccessed.IsZero() {
		return e.CreatedAt
	}
	return e.LastAccessed
}

// Options 缓存服务配置
type Options struct {
	LocalCapacity int
	DefaultTTL    time.Duration
	// TypeTTL 按类型覆盖默认 TTL
	TypeTTL map[Type]time.Duration
}

// Stats 缓存统计
type Stats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	HitRate       float64 `json:"hit_rate"`
	SharedHits    int64   `json:"redis_hits"`
	LocalHits     int64   `json:"local_hits"`
	FileHits      int64   `json:"file_hits"`
	Evictions     int64   `json:"evictions"`
	LocalSize     int     `json:"local_cache_size"`
	LocalLimit    int     `json:"local_cache_limit"`
	SharedEnabled bool    `json:"redis_enabled"`
	FileEnabled   bool    `json:"file_cache_enabled"`
}

// ServiceOption 缓存服务选项
type ServiceOption func(*Service)

// WithSharedStore 启用共享层
func WithSharedStore(store SharedStore) ServiceOption {
	return func(s *Service) {
		s.shared = store
	}
}

// WithFileStore 启用文件层
func WithFileStore(store FileStore) ServiceOption {
	return func(s *Service) {
		s.files = store
	}
}

// WithClock 注入时钟
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// Service 三级缓存服务
type Service struct {
	opts   Options
	shared SharedStore
	files  FileStore
	now    func() time.Time
	group  singleflight.Group

	mu    sync.Mutex
	local map[string]*Entry
	stats Stats
}

// NewService 创建缓存服务
func NewService(opts Options, options ...ServiceOption) *Service {
	if opts.LocalCapacity <= 0 {
		opts.LocalCapacity = 1000
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = time.Hour
	}
	s := &Service{
		opts:  opts,
		now:   time.Now,
		local: make(map[string]*Entry),
	}
	for _, o := range options {
		o(s)
	}

	logger.Info(context.Background(), "cache service initialized",
		"local_capacity", opts.LocalCapacity,
		"default_ttl", opts.DefaultTTL.String(),
		"shared", s.shared != nil,
		"file", s.files != nil,
	)
	return s
}

// TTLFor 返回类型对应的 TTL
func (s *Service) TTLFor(t Type) time.Duration {
	if d, ok := s.opts.TypeTTL[t]; ok && d > 0 {
		return d
	}
	return s.opts.DefaultTTL
}

// Get 依次查询共享层、进程内、文件层，首个命中即返回。
// 共享层与文件层命中时返回 json.RawMessage，进程内命中返回原始值。
func (s *Service) Get(ctx context.Context, k Key) (any, bool) {
	key := k.String()

	if s.shared != nil {
		raw, ok, err := s.shared.Get(ctx, key)
		if err != nil {
			logger.Warn(ctx, "shared cache get failed", "key", key, "error", err.Error())
		} else if ok {
			s.hit(TierShared)
			return json.RawMessage(raw), true
		}
	}

	if v, ok := s.getLocal(key); ok {
		s.hit(TierLocal)
		return v, true
	}

	if s.files != nil {
		raw, ok, err := s.files.Get(key, s.TTLFor(k.Type))
		if err != nil {
			logger.Warn(ctx, "file cache read failed", "key", key, "error", err.Error())
		} else if ok {
			s.hit(TierFile)
			return json.RawMessage(raw), true
		}
	}

	s.mu.Lock()
	s.stats.Misses++
	s.mu.Unlock()
	metrics.CacheMissesTotal.Inc()
	return nil, false
}

// SetOption 写入选项
type SetOption func(*setConfig)

type setConfig struct {
	ttl    time.Duration
	inFile bool
}

// WithTTL 覆盖本次写入的 TTL
func WithTTL(ttl time.Duration) SetOption {
	return func(c *setConfig) {
		c.ttl = ttl
	}
}

// InFile 同时写入文件层
func InFile() SetOption {
	return func(c *setConfig) {
		c.inFile = true
	}
}

// Set 尽力写入所有可用层，至少一层成功即返回 true。
// 进程内层总能写入，因此目前总是返回 true。
func (s *Service) Set(ctx context.Context, k Key, value any, opts ...SetOption) bool {
	cfg := setConfig{ttl: s.TTLFor(k.Type)}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.ttl <= 0 {
		cfg.ttl = s.TTLFor(k.Type)
	}

	key := k.String()

	var payload []byte
	if s.shared != nil || (cfg.inFile && s.files != nil) {
		var err error
		payload, err = json.Marshal(value)
		if err != nil {
			logger.Warn(ctx, "cache value is not serializable", "key", key, "error", err.Error())
		}
	}

	if s.shared != nil && payload != nil {
		if err := s.shared.Set(ctx, key, payload, cfg.ttl); err != nil {
			logger.Warn(ctx, "shared cache set failed", "key", key, "error", err.Error())
		}
	}

	s.setLocal(key, k.Type, value, cfg.ttl)

	if cfg.inFile && s.files != nil && payload != nil {
		if err := s.files.Set(key, payload); err != nil {
			logger.Warn(ctx, "file cache set failed", "key", key, "error", err.Error())
		}
	}

	return true
}

// Delete 从所有层删除，任一层删除成功即返回 true
func (s *Service) Delete(ctx context.Context, k Key) bool {
	key := k.String()
	deleted := false

	if s.shared != nil {
		ok, err := s.shared.Delete(ctx, key)
		if err != nil {
			logger.Warn(ctx, "shared cache delete failed", "key", key, "error", err.Error())
		}
		deleted = deleted || ok
	}

	s.mu.Lock()
	if _, ok := s.local[key]; ok {
		delete(s.local, key)
		deleted = true
	}
	s.mu.Unlock()

	if s.files != nil {
		ok, err := s.files.Delete(key)
		if err != nil {
			logger.Warn(ctx, "file cache delete failed", "key", key, "error", err.Error())
		}
		deleted = deleted || ok
	}

	return deleted
}

// ClearType 按前缀清空某一类型，返回各层清除条目数之和
func (s *Service) ClearType(ctx context.Context, t Type) int {
	prefix := t.Prefix()
	cleared := 0

	if s.shared != nil {
		n, err := s.shared.DeletePrefix(ctx, prefix)
		if err != nil {
			logger.Warn(ctx, "shared cache clear failed", "prefix", prefix, "error", err.Error())
		}
		cleared += int(n)
	}

	s.mu.Lock()
	for key := range s.local {
		if strings.HasPrefix(key, prefix) {
			delete(s.local, key)
			cleared++
		}
	}
	s.mu.Unlock()

	if s.files != nil {
		n, err := s.files.DeletePrefix(prefix)
		if err != nil {
			logger.Warn(ctx, "file cache clear failed", "prefix", prefix, "error", err.Error())
		}
		cleared += n
	}

	logger.Info(ctx, "cache type cleared", "type", string(t), "cleared", cleared)
	return cleared
}

// CleanupExpired 清理进程内层的过期条目
func (s *Service) CleanupExpired() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, e := range s.local {
		if !now.Before(e.ExpiresAt) {
			delete(s.local, key)
			removed++
		}
	}
	return removed
}

// Stats 返回统计快照
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stats
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total) * 100
	}
	st.LocalSize = len(s.local)
	st.LocalLimit = s.opts.LocalCapacity
	st.SharedEnabled = s.shared != nil
	st.FileEnabled = s.files != nil
	return st
}

// WarmItem 预热条目
type WarmItem struct {
	Key    Key
	Value  any
	TTL    time.Duration
	InFile bool
}

// Warm 批量写入，返回成功条数
func (s *Service) Warm(ctx context.Context, items []WarmItem) int {
	warmed := 0
	for _, item := range items {
		var opts []SetOption
		if item.TTL > 0 {
			opts = append(opts, WithTTL(item.TTL))
		}
		if item.InFile {
			opts = append(opts, InFile())
		}
		if s.Set(ctx, item.Key, item.Value, opts...) {
			warmed++
		}
	}
	logger.Info(ctx, "cache warmed", "items", len(items), "warmed", warmed)
	return warmed
}

func (s *Service) hit(tier string) {
	s.mu.Lock()
	s.stats.Hits++
	switch tier {
	case TierShared:
		s.stats.SharedHits++
	case TierLocal:
		s.stats.LocalHits++
	case TierFile:
		s.stats.FileHits++
	}
	s.mu.Unlock()
	metrics.CacheHitsTotal.WithLabelValues(tier).Inc()
}

func (s *Service) getLocal(key string) (any, bool) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.local[key]
	if !ok {
		return nil, false
	}
	if !now.Before(e.ExpiresAt) {
		delete(s.local, key)
		return nil, false
	}
	e.AccessCount++
	e.LastAccessed = now
	return e.Value, true
}

func (s *Service) setLocal(key string, t Type, value any, ttl time.Duration) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.local[key]; !exists && len(s.local) >= s.opts.LocalCapacity {
		s.evictLocked()
	}
	s.local[key] = &Entry{
		Key:       key,
		Value:     value,
		Type:      t,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// evictLocked 淘汰最久未使用的约 10% 条目（至少 1 个），调用方需持锁
func (s *Service) evictLocked() {
	entries := make([]*Entry, 0, len(s.local))
	for _, e := range s.local {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		ti, tj := entries[i].lastUsed(), entries[j].lastUsed()
		if ti.Equal(tj) {
			return entries[i].Key < entries[j].Key
		}
		return ti.Before(tj)
	})

	n := len(entries) / 10
	if n < 1 {
		n = 1
	}
	for _, e := range entries[:n] {
		delete(s.local, e.Key)
	}
	s.stats.Evictions += int64(n)
	metrics.CacheEvictionsTotal.Add(float64(n))
}
