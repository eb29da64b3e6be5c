package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// PresenceEvent 客服在线状态变化
type PresenceEvent struct {
	AgentID string    `json:"agent_id"`
	Online  bool      `json:"online"`
	At      time.Time `json:"at"`
}

// PresenceBus 在线状态事件主题
type PresenceBus interface {
	Publish(ctx context.Context, evt PresenceEvent) error
	// Subscribe 返回事件通道，ctx 结束后通道关闭
	Subscribe(ctx context.Context) (<-chan PresenceEvent, error)
	Close() error
}

var errBusClosed = errors.New("presence bus closed")

// InProcPresenceBus 进程内扇出，订阅者处理过慢时丢弃事件
type InProcPresenceBus struct {
	mu     sync.Mutex
	subs   map[int]chan PresenceEvent
	nextID int
	buffer int
	closed bool
	logger *logrus.Logger
}

func NewInProcPresenceBus(buffer int, logger *logrus.Logger) *InProcPresenceBus {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &InProcPresenceBus{
		subs:   make(map[int]chan PresenceEvent),
		buffer: buffer,
		logger: logger,
	}
}

func (b *InProcPresenceBus) Publish(ctx context.Context, evt PresenceEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errBusClosed
	}
	for id, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.logger.Warnf("Presence subscriber %d is full, dropping event for agent %s", id, evt.AgentID)
		}
	}
	return nil
}

func (b *InProcPresenceBus) Subscribe(ctx context.Context) (<-chan PresenceEvent, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errBusClosed
	}
	id := b.nextID
	b.nextID++
	ch := make(chan PresenceEvent, b.buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}()
	return ch, nil
}

func (b *InProcPresenceBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}

// RedisPresenceBus 基于 Redis pub/sub 的在线状态主题，多个控制台进程共享
type RedisPresenceBus struct {
	client  *redis.Client
	channel string
	logger  *logrus.Logger
}

func NewRedisPresenceBus(client *redis.Client, channel string, logger *logrus.Logger) *RedisPresenceBus {
	if logger == nil {
		logger = logrus.New()
	}
	return &RedisPresenceBus{client: client, channel: channel, logger: logger}
}

func (b *RedisPresenceBus) Publish(ctx context.Context, evt PresenceEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal presence event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *RedisPresenceBus) Subscribe(ctx context.Context) (<-chan PresenceEvent, error) {
	ps := b.client.Subscribe(ctx, b.channel)
	// 等待订阅确认，连接失败时立即返回
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", b.channel, err)
	}

	out := make(chan PresenceEvent, 64)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var evt PresenceEvent
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					b.logger.Warnf("Invalid presence payload on %s: %v", b.channel, err)
					continue
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close 关闭底层 Redis 客户端
func (b *RedisPresenceBus) Close() error {
	return b.client.Close()
}
