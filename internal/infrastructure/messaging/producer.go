package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"content-pipeline-api/internal/domain/service"
	"content-pipeline-api/pkg/logger"
)

var tracer = otel.Tracer("messaging")

// Producer 消息生产者
type Producer struct {
	client *redis.Client
	maxLen int64
}

// NewProducer 创建消息生产者
func NewProducer(client *redis.Client, maxLen int64) *Producer {
	if maxLen <= 0 {
		maxLen = 100000
	}
	return &Producer{
		client: client,
		maxLen: maxLen,
	}
}

// Publish 发布消息到指定流
func (p *Producer) Publish(ctx context.Context, stream Stream, msg *Message) (string, error) {
	ctx, span := tracer.Start(ctx, "producer.Publish",
		trace.WithAttributes(
			attribute.String("stream", string(stream)),
			attribute.String("message.id", msg.ID),
			attribute.String("message.type", msg.Type),
		))
	defer span.End()

	data, err := json.Marshal(msg)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	result, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: string(stream),
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{"data": string(data)},
	}).Result()
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to publish message: %w", err)
	}

	span.SetAttributes(attribute.String("stream.message_id", result))
	return result, nil
}

// PublishAlert 投递预算告警，实现 service.AlertPublisher
func (p *Producer) PublishAlert(ctx context.Context, event service.AlertEvent) error {
	msg, err := NewMessage(TypeBudgetAlert, event)
	if err != nil {
		return err
	}

	msg.SetMetadata("kind", event.Kind)
	msg.SetMetadata("threshold", strconv.FormatFloat(event.Threshold, 'f', 4, 64))
	if callerID, ok := ctx.Value(logger.CallerIDKey).(string); ok {
		msg.CallerID = callerID
	}
	if correlationID, ok := ctx.Value(logger.CorrelationIDKey).(string); ok {
		msg.CorrelationID = correlationID
	}
	if reqID, ok := ctx.Value(logger.RequestIDKey).(string); ok {
		msg.SetMetadata("request_id", reqID)
	}
	if traceID, ok := ctx.Value(logger.TraceIDKey).(string); ok {
		msg.SetMetadata("trace_id", traceID)
	}

	_, err = p.Publish(ctx, StreamCostAlert, msg)
	return err
}

// AlertHandler 将告警处理函数包装为消息处理器
func AlertHandler(fn func(ctx context.Context, event service.AlertEvent) error) MessageHandler {
	return func(ctx context.Context, msg *Message) error {
		var event service.AlertEvent
		if err := msg.UnmarshalPayload(&event); err != nil {
			return fmt.Errorf("invalid alert payload: %w", err)
		}
		return fn(ctx, event)
	}
}
