package collab

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"designCollab/backend/internal/eventbus"
)

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// - 不阻塞广播（TryEnqueue 只负责入队）
// - Kafka 短暂阻塞时靠队列吸收，后台慢慢补发
// - 队列满时丢弃，避免内存无限增长
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	log      *slog.Logger

	queue chan SessionEventMessage

	// sem 限制并发的 SendMessage 数量
	kafkaSem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Logger      *slog.Logger
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, kafkaSem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 10_000
	}
	if opt.Workers <= 0 {
		opt.Workers = 4
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		log:         opt.Logger,
		queue:       make(chan SessionEventMessage, opt.QueueSize),
		kafkaSem:    kafkaSem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}

	d.Start()
	return d
}

// TryEnqueue 非阻塞入队，队列满或已关闭返回 false（实现 EventSink）
func (d *KafkaDispatcher) TryEnqueue(evt eventbus.Event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- newSessionEventMessage(evt):
		return true
	default:
		return false
	}
}

// Enqueue 队列满时等待直到 ctx 超时（kafka 不要求强一致，不是每个事件都必须送达）
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt eventbus.Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrEngineShutdown
	}
	select {
	case d.queue <- newSessionEventMessage(evt):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *KafkaDispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

// Close 停止接收并等待队列中剩余的事件发送完
func (d *KafkaDispatcher) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
		d.wg.Wait()
	})
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for msg := range d.queue {
		d.sendWithRetry(workerID, msg)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, msg SessionEventMessage) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.kafkaSem != nil {
			// worker 允许一直等待（不会影响主链路）
			_ = d.kafkaSem.Acquire(context.Background())
		}

		err := d.sendOnce(msg)

		if d.kafkaSem != nil {
			_ = d.kafkaSem.Release()
		}

		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			d.log.Warn("kafka send failed, drop event",
				"session", msg.SessionID, "type", msg.Type, "seq", msg.Sequence, "worker", workerID, "err", err)
			return
		}

		// 退避，每次退避时间 X2
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if d.maxBackoff > 0 && backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(msg SessionEventMessage) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	pm := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(msg.SessionID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(pm)
	return err
}
