// Package filecache 提供基于文件系统的缓存层
package filecache

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

const (
	fileExt = ".json"
	tmpExt  = ".tmp"
)

// Store 每个键对应目录下的一个 JSON 文件，以修改时间判断过期
type Store struct {
	fs  afero.Fs
	dir string
	now func() time.Time
}

// Option Store 选项
type Option func(*Store)

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New 创建文件缓存，目录不存在时自动创建
func New(fs afero.Fs, dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("file cache directory is empty")
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir %s: %w", dir, err)
	}

	s := &Store{fs: fs, dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewOS 在本地磁盘上创建文件缓存
func NewOS(dir string) (*Store, error) {
	return New(afero.NewOsFs(), dir)
}

// Dir 缓存目录
func (s *Store) Dir() string {
	return s.dir
}

// Get 读取缓存文件，超过 maxAge 的文件视为过期并删除
func (s *Store) Get(key string, maxAge time.Duration) ([]byte, bool, error) {
	path := s.path(key)

	info, err := s.fs.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}

	if maxAge > 0 && s.now().Sub(info.ModTime()) > maxAge {
		if err := s.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, false, err
		}
		return nil, false, nil
	}

	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// Set 写入缓存文件（先写唯一命名的临时文件再重命名，并发写同一键互不覆盖）
func (s *Store) Set(key string, value []byte) error {
	path := s.path(key)

	f, err := afero.TempFile(s.fs, s.dir, encodeName(key)+".*"+tmpExt)
	if err != nil {
		return fmt.Errorf("failed to create cache temp file: %w", err)
	}
	tmp := f.Name()

	_, err = f.Write(value)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("failed to rename cache file: %w", err)
	}
	// 部分文件系统的 Rename 保留临时文件的 mtime，这里统一刷新
	now := s.now()
	if err := s.fs.Chtimes(path, now, now); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Delete 删除单个键
func (s *Store) Delete(key string) (bool, error) {
	err := s.fs.Remove(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DeletePrefix 删除所有以 prefix 开头的键
func (s *Store) DeletePrefix(prefix string) (int, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, info := range entries {
		if info.IsDir() {
			continue
		}
		key, ok := decodeName(info.Name())
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		if err := s.fs.Remove(filepath.Join(s.dir, info.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, encodeName(key))
}

// encodeName 键中可能含有路径分隔符，统一编码为 URL 安全的 base64
func encodeName(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key)) + fileExt
}

func decodeName(name string) (string, bool) {
	if !strings.HasSuffix(name, fileExt) {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, fileExt))
	if err != nil {
		return "", false
	}
	return string(raw), true
}
