package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chatassign/internal/models"

	"github.com/segmentio/kafka-go"
)

// kafkaWriter 便于测试替换
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaAuditSink 把审计记录写入 Kafka 主题，按会话 id 分区以保持单会话有序
type KafkaAuditSink struct {
	writer kafkaWriter
	topic  string
}

// NewKafkaAuditSink brokers 或 topic 为空时返回 nil
func NewKafkaAuditSink(brokers []string, topic string) *KafkaAuditSink {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	return &KafkaAuditSink{
		topic: topic,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
	}
}

type auditMessage struct {
	Event string                   `json:"event"`
	Data  models.ReassignmentEvent `json:"data"`
}

func (s *KafkaAuditSink) Append(ctx context.Context, evt models.ReassignmentEvent) error {
	body, err := json.Marshal(auditMessage{Event: "chat.reassignment." + evt.Outcome, Data: evt})
	if err != nil {
		return fmt.Errorf("kafka: marshal reassignment event: %w", err)
	}
	if err := s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.SessionID),
		Value: body,
		Time:  evt.OccurredAt,
	}); err != nil {
		return fmt.Errorf("kafka: write reassignment event to %s: %w", s.topic, err)
	}
	return nil
}

func (s *KafkaAuditSink) Close() error {
	return s.writer.Close()
}
