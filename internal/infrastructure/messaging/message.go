// Package messaging 提供基于 Redis Stream 的消息投递
package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"content-pipeline-api/internal/config"
)

// Message 消息结构
type Message struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	CallerID      string            `json:"caller_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Payload       json.RawMessage   `json:"payload"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// NewMessage 创建新消息
func NewMessage(msgType string, payload any) (*Message, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Payload:   payloadBytes,
		CreatedAt: time.Now(),
	}, nil
}

// SetMetadata 设置元数据
func (m *Message) SetMetadata(key, value string) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]string)
	}
	m.Metadata[key] = value
}

// GetMetadata 获取元数据
func (m *Message) GetMetadata(key string) string {
	return m.Metadata[key]
}

// UnmarshalPayload 解析消息载荷
func (m *Message) UnmarshalPayload(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// Stream 流定义
type Stream string

const (
	StreamCostAlert Stream = "stream:cost:alert"
)

// DLQStream 获取对应的死信队列流名称
func (s Stream) DLQStream() string {
	return "dlq:" + string(s)
}

// ConsumerGroup 消费者组
type ConsumerGroup string

// AlertWorkerGroup 告警消费者组名
func AlertWorkerGroup(prefix string) ConsumerGroup {
	if prefix == "" {
		return "cg-alert-worker"
	}
	return ConsumerGroup(prefix + "-alert-worker")
}

// 消息类型
const (
	TypeBudgetAlert = "budget_alert"
)

// BackoffConfig 退避配置
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoffConfig 默认退避配置
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    time.Second,
		Max:        time.Minute,
		Multiplier: 2,
	}
}

// BackoffFromConfig 从配置构造退避参数，缺省项使用默认值
func BackoffFromConfig(c config.BackoffConfig) BackoffConfig {
	b := DefaultBackoffConfig()
	if c.Initial > 0 {
		b.Initial = c.Initial
	}
	if c.Max > 0 {
		b.Max = c.Max
	}
	if c.Multiplier >= 1 {
		b.Multiplier = c.Multiplier
	}
	return b
}

// CalculateBackoff 第 retryCount 次重试前的等待时间
func (c BackoffConfig) CalculateBackoff(retryCount int) time.Duration {
	backoff := c.Initial
	for i := 0; i < retryCount; i++ {
		backoff = time.Duration(float64(backoff) * c.Multiplier)
		if backoff >= c.Max {
			return c.Max
		}
	}
	return backoff
}
