// Package loghub 实现按运行划分的日志发布/订阅中心。
//
// 每个运行拥有独立的主题：序号在发布时分配，日志按发布顺序投递给发布时刻
// 已订阅的全部观察者；默认不回放历史。运行结束后主题关闭，所有订阅流随之结束，
// 之后的订阅立即得到一个已关闭的空流。
package loghub

import (
	"errors"
	"sync"
	"time"

	"github.com/oriys/chronon/internal/domain"
	"github.com/sirupsen/logrus"
)

// ErrSlowSubscriber 表示订阅者消费过慢、缓冲区溢出而被断开。
// 断开而不是静默丢行，保证订阅流中的序号始终连续。
var ErrSlowSubscriber = errors.New("subscriber too slow, stream detached")

// Recorder 接收日志中心的指标事件，nil 表示不记录。
type Recorder interface {
	RecordLogLine()
	RecordSubscribers(delta int)
	RecordSubscriberDropped()
}

// Config 日志中心配置
type Config struct {
	// SubscriberBuffer 是每个订阅者的缓冲行数
	SubscriberBuffer int
	// ReplayLines 是新订阅者在运行进行中可获得的最近行数，0 表示不回放
	ReplayLines int
	// ClosedRetention 是已结束运行的记录在日志中心保留的时长，默认 10 分钟
	ClosedRetention time.Duration
}

// Hub 日志中心
type Hub struct {
	cfg      Config
	logger   *logrus.Logger
	recorder Recorder

	mu     sync.Mutex
	topics map[string]*topic
	// closed 记录已结束的运行，迟到的订阅直接返回空流
	closed map[string]time.Time
	now    func() time.Time
}

type topic struct {
	mu     sync.Mutex
	seq    uint64
	subs   map[*Subscription]struct{}
	replay []domain.LogLine
	closed bool
}

// Subscription 表示一个观察者的订阅。
// C 在运行结束、订阅被关闭或订阅者被断开时关闭。
type Subscription struct {
	C <-chan domain.LogLine

	ch    chan domain.LogLine
	runID string
	topic *topic
	hub   *Hub
	err   error
}

// New 创建日志中心
func New(cfg Config, logger *logrus.Logger, recorder Recorder) *Hub {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 256
	}
	if cfg.ReplayLines < 0 {
		cfg.ReplayLines = 0
	}
	if cfg.ClosedRetention <= 0 {
		cfg.ClosedRetention = 10 * time.Minute
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Hub{
		cfg:      cfg,
		logger:   logger,
		recorder: recorder,
		topics:   make(map[string]*topic),
		closed:   make(map[string]time.Time),
		now:      time.Now,
	}
}

// topicFor 获取或创建运行的主题，运行已结束时返回 nil。
func (h *Hub) topicFor(runID string) *topic {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, done := h.closed[runID]; done {
		return nil
	}
	t, ok := h.topics[runID]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		h.topics[runID] = t
	}
	return t
}

// Ended 返回一个已关闭的空流，用于已知已结束的运行，不创建主题。
func (h *Hub) Ended(runID string) *Subscription {
	return closedSubscription(runID)
}

func closedSubscription(runID string) *Subscription {
	ch := make(chan domain.LogLine)
	close(ch)
	return &Subscription{C: ch, ch: ch, runID: runID}
}

// Subscribe 订阅运行的日志。
// 参数：
//   - runID: 运行 ID
//
// 返回值：
//   - *Subscription: 订阅句柄；运行已结束时返回已关闭的空流
func (h *Hub) Subscribe(runID string) *Subscription {
	t := h.topicFor(runID)
	if t == nil {
		return closedSubscription(runID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return closedSubscription(runID)
	}

	ch := make(chan domain.LogLine, h.cfg.SubscriberBuffer+len(t.replay))
	sub := &Subscription{C: ch, ch: ch, runID: runID, topic: t, hub: h}
	for _, line := range t.replay {
		ch <- line
	}
	t.subs[sub] = struct{}{}
	if h.recorder != nil {
		h.recorder.RecordSubscribers(1)
	}
	return sub
}

// Publish 发布一行日志，返回分配了序号的日志行。
// 发布从不阻塞；运行已结束时返回 false。
func (h *Hub) Publish(runID, text string) (domain.LogLine, bool) {
	t := h.topicFor(runID)
	if t == nil {
		return domain.LogLine{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return domain.LogLine{}, false
	}

	t.seq++
	line := domain.LogLine{RunID: runID, Sequence: t.seq, Text: text, EmittedAt: time.Now().UTC()}
	if n := h.cfg.ReplayLines; n > 0 {
		t.replay = append(t.replay, line)
		if len(t.replay) > n {
			t.replay = append(t.replay[:0:0], t.replay[len(t.replay)-n:]...)
		}
	}

	for sub := range t.subs {
		select {
		case sub.ch <- line:
		default:
			sub.err = ErrSlowSubscriber
			t.detach(sub)
			if h.recorder != nil {
				h.recorder.RecordSubscriberDropped()
				h.recorder.RecordSubscribers(-1)
			}
			h.logger.WithFields(logrus.Fields{
				"run_id":   runID,
				"sequence": line.Sequence,
			}).Warn("Detached slow log subscriber")
		}
	}
	if h.recorder != nil {
		h.recorder.RecordLogLine()
	}
	return line, true
}

// CloseRun 结束运行的全部订阅流，之后的发布被忽略、订阅得到空流。
func (h *Hub) CloseRun(runID string) {
	h.mu.Lock()
	t := h.topics[runID]
	delete(h.topics, runID)
	now := h.now()
	h.closed[runID] = now
	h.pruneClosedLocked(now)
	h.mu.Unlock()

	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	n := len(t.subs)
	for sub := range t.subs {
		t.detach(sub)
	}
	t.replay = nil
	if h.recorder != nil && n > 0 {
		h.recorder.RecordSubscribers(-n)
	}
}

// Forget 释放已结束运行的记录，通常在运行被清理时调用。
func (h *Hub) Forget(runID string) {
	h.mu.Lock()
	delete(h.closed, runID)
	h.mu.Unlock()
}

// pruneClosedLocked 清除超过保留时长的结束记录，调用方需持有 h.mu。
// 被清除的运行由调用方根据运行状态返回 Ended。
func (h *Hub) pruneClosedLocked(now time.Time) {
	for id, at := range h.closed {
		if now.Sub(at) > h.cfg.ClosedRetention {
			delete(h.closed, id)
		}
	}
}

// ClosedCount 返回仍保留的已结束运行记录数。
func (h *Hub) ClosedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.closed)
}

// Stats 返回活跃主题数与订阅者总数。
func (h *Hub) Stats() (topics, subscribers int) {
	h.mu.Lock()
	ts := make([]*topic, 0, len(h.topics))
	for _, t := range h.topics {
		ts = append(ts, t)
	}
	h.mu.Unlock()

	for _, t := range ts {
		t.mu.Lock()
		subscribers += len(t.subs)
		t.mu.Unlock()
	}
	return len(ts), subscribers
}

// detach 移除订阅者并关闭其通道，调用方需持有 t.mu。
func (t *topic) detach(sub *Subscription) {
	if _, ok := t.subs[sub]; !ok {
		return
	}
	delete(t.subs, sub)
	close(sub.ch)
}

// RunID 返回订阅的运行 ID。
func (s *Subscription) RunID() string {
	return s.runID
}

// Close 取消订阅，可重复调用。
func (s *Subscription) Close() {
	if s.topic == nil {
		return
	}
	s.topic.mu.Lock()
	_, attached := s.topic.subs[s]
	s.topic.detach(s)
	s.topic.mu.Unlock()
	if attached && s.hub.recorder != nil {
		s.hub.recorder.RecordSubscribers(-1)
	}
}

// Err 返回流结束的原因，只有在 C 关闭之后读取才有意义。
// 正常结束返回 nil，被断开时返回 ErrSlowSubscriber。
func (s *Subscription) Err() error {
	return s.err
}
