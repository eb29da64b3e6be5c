package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// NotificationJob 投递给外部推送/邮件 worker 的任务
type NotificationJob struct {
	Kind      string    `json:"kind"` // agent_assigned, admin_failure
	AgentID   string    `json:"agent_id,omitempty"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitNotificationSink 通知任务写入持久队列，被拒绝的消息进入 .dlq
type RabbitNotificationSink struct {
	conn  *amqp.Connection
	ch    amqpPublisher
	queue string
}

func NewRabbitNotificationSink(url, queue string) (*RabbitNotificationSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}

	dlq := queue + ".dlq"
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare %s: %w", dlq, err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlq,
	}); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare %s: %w", queue, err)
	}
	return &RabbitNotificationSink{conn: conn, ch: ch, queue: queue}, nil
}

func (s *RabbitNotificationSink) NotifyAgentAssigned(ctx context.Context, agentID, sessionID string) error {
	return s.publish(ctx, NotificationJob{Kind: "agent_assigned", AgentID: agentID, SessionID: sessionID, CreatedAt: time.Now()})
}

func (s *RabbitNotificationSink) NotifyAdminFailure(ctx context.Context, sessionID string) error {
	return s.publish(ctx, NotificationJob{Kind: "admin_failure", SessionID: sessionID, CreatedAt: time.Now()})
}

func (s *RabbitNotificationSink) publish(ctx context.Context, job NotificationJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.ch.PublishWithContext(cctx, "", s.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    job.CreatedAt,
	}); err != nil {
		return fmt.Errorf("rabbitmq publish %s: %w", job.Kind, err)
	}
	return nil
}

func (s *RabbitNotificationSink) Close() error {
	if c, ok := s.ch.(*amqp.Channel); ok && c != nil {
		_ = c.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
