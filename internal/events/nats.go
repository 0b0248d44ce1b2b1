// Package events 将协调器的运行与账本事件发布到 NATS JetStream。
// 事件只携带不泄露结论的信息：揭盲之前不会发布任何结论内容。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/oriys/chronon/internal/domain"
	"github.com/sirupsen/logrus"
)

// 事件类型
const (
	TypeRunLaunched   = "run.launched"
	TypeRunFinished   = "run.finished"
	TypeVerdictSealed = "ledger.verdict_sealed"
	TypeUnblinded     = "ledger.unblinded"
)

// Event 表示一条协调器事件（JSON 格式）。
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Subject   string          `json:"subject"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventHandler 定义事件处理回调。
type EventHandler func(event *Event) error

// publisher 是 EventBus 依赖的 JetStream 发布能力。
type publisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// EventBus 封装 NATS/JetStream 连接与发布操作。
type EventBus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	pub    publisher
	stream string
	prefix string
	source string
	logger *logrus.Logger
}

// NewEventBus 连接 NATS 并确保事件 Stream 存在。
// 参数：
//   - natsURL: NATS 地址
//   - stream: JetStream Stream 名称，subject 前缀为其小写形式
//   - source: 写入事件的来源标识（通常为操作员名）
//   - logger: 日志记录器
//
// 返回值：
//   - *EventBus: 事件总线
//   - error: 连接或 Stream 创建失败
func NewEventBus(natsURL, stream, source string, logger *logrus.Logger) (*EventBus, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("chronon"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	bus := newEventBus(js, stream, source, logger)
	bus.conn = nc
	bus.js = js

	cfg := &nats.StreamConfig{
		Name:     stream,
		Subjects: []string{bus.prefix + ".>"},
		Storage:  nats.FileStorage,
		MaxAge:   30 * 24 * time.Hour,
	}
	if _, err := js.AddStream(cfg); err != nil {
		if _, uerr := js.UpdateStream(cfg); uerr != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to ensure stream %s: %w", stream, err)
		}
	}
	return bus, nil
}

func newEventBus(pub publisher, stream, source string, logger *logrus.Logger) *EventBus {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &EventBus{
		pub:    pub,
		stream: stream,
		prefix: subjectPrefix(stream),
		source: source,
		logger: logger,
	}
}

func subjectPrefix(stream string) string {
	b := []byte(stream)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// Close 关闭底层 NATS 连接。
func (eb *EventBus) Close() error {
	if eb == nil || eb.conn == nil {
		return nil
	}
	eb.conn.Close()
	return nil
}

// Publish 发布事件，subject 为 "<prefix>.<suffix>"。
func (eb *EventBus) Publish(ctx context.Context, suffix, eventType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	subject := eb.prefix + "." + suffix
	event := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    eb.source,
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := eb.pub.Publish(subject, body, nats.Context(ctx), nats.MsgId(event.ID)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.WithFields(logrus.Fields{
		"subject":  subject,
		"event_id": event.ID,
		"type":     eventType,
	}).Debug("Event published")
	return nil
}

// Subscribe 以临时消费者订阅匹配 subject 后缀的事件（支持通配符），ctx 取消时退订。
func (eb *EventBus) Subscribe(ctx context.Context, suffix string, handler EventHandler) error {
	if eb.js == nil {
		return fmt.Errorf("event bus is not connected")
	}
	sub, err := eb.js.Subscribe(eb.prefix+"."+suffix, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			eb.logger.WithError(err).Error("Failed to unmarshal event")
			msg.Term()
			return
		}
		if err := handler(&event); err != nil {
			eb.logger.WithError(err).WithField("event_id", event.ID).Error("Failed to handle event")
			msg.Nak()
			return
		}
		msg.Ack()
	}, nats.DeliverNew(), nats.ManualAck(), nats.BindStream(eb.stream))
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()
	return nil
}

// RunLaunched 是 run.launched 事件的负载。
type RunLaunched struct {
	RunID      string         `json:"run_id"`
	Type       domain.RunType `json:"type"`
	HashConfig string         `json:"hash_config"`
	HashCode   string         `json:"hash_code"`
	EntryHash  string         `json:"entry_hash"`
}

// RunFinished 是 run.finished 事件的负载，不包含结论。
type RunFinished struct {
	RunID    string           `json:"run_id"`
	Type     domain.RunType   `json:"type"`
	Status   domain.RunStatus `json:"status"`
	ExitCode *int             `json:"exit_code,omitempty"`
	Lines    uint64           `json:"lines"`
	Duration float64          `json:"duration_seconds"`
}

// PublishRunLaunched 发布运行启动事件。
func (eb *EventBus) PublishRunLaunched(ctx context.Context, entry *domain.LedgerEntry) error {
	return eb.Publish(ctx, "run."+entry.RunID+".launched", TypeRunLaunched, RunLaunched{
		RunID:      entry.RunID,
		Type:       entry.Type,
		HashConfig: entry.HashConfig,
		HashCode:   entry.HashCode,
		EntryHash:  entry.EntryHash,
	})
}

// PublishRunFinished 发布运行结束事件。
func (eb *EventBus) PublishRunFinished(ctx context.Context, payload RunFinished) error {
	return eb.Publish(ctx, "run."+payload.RunID+".finished", TypeRunFinished, payload)
}

// PublishVerdictSealed 发布结论封存事件，只包含承诺值。
func (eb *EventBus) PublishVerdictSealed(ctx context.Context, runID, commitment string) error {
	return eb.Publish(ctx, "ledger.sealed", TypeVerdictSealed, map[string]string{
		"run_id":     runID,
		"commitment": commitment,
	})
}

// PublishUnblinded 发布揭盲事件。
func (eb *EventBus) PublishUnblinded(ctx context.Context, at time.Time, entries int) error {
	return eb.Publish(ctx, "ledger.unblinded", TypeUnblinded, map[string]interface{}{
		"revealed_at": at,
		"entries":     entries,
	})
}
