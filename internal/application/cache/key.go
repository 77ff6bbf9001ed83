// Package cache 提供三级缓存：共享 Redis、进程内 LRU 与文件
package cache

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Type 缓存条目类型，同时作为键前缀
type Type string

const (
	TypeSearch      Type = "search"
	TypeResource    Type = "resource"
	TypeDownload    Type = "download"
	TypeProcessed   Type = "processed"
	TypePreferences Type = "preferences"
)

// ParseType 解析缓存类型
func ParseType(s string) (Type, bool) {
	switch t := Type(strings.ToLower(s)); t {
	case TypeSearch, TypeResource, TypeDownload, TypeProcessed, TypePreferences:
		return t, true
	default:
		return "", false
	}
}

// Prefix 返回该类型所有键的公共前缀
func (t Type) Prefix() string {
	return string(t) + ":"
}

// Key 缓存键：type:base[:hash(params)]
type Key struct {
	Type   Type
	Base   string
	Params map[string]any
}

// NewKey 创建缓存键
func NewKey(t Type, base string, params map[string]any) Key {
	return Key{Type: t, Base: base, Params: params}
}

// String 生成完整键，参数按键名排序后做哈希
func (k Key) String() string {
	if len(k.Params) == 0 {
		return k.Type.Prefix() + k.Base
	}
	// encoding/json 对 map 键排序，结果与参数顺序无关
	raw, err := json.Marshal(k.Params)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", k.Params))
	}
	return fmt.Sprintf("%s%s:%016x", k.Type.Prefix(), k.Base, xxhash.Sum64(raw))
}
