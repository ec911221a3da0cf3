// Package activity ships analytics records to Kafka.
package activity

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Collab/internal/domain"
)

type Options struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 10_000
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxRetry < 0 {
		o.MaxRetry = 0
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 50 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 2 * time.Second
	}
	return o
}

// Dispatcher implements app.ActivitySink: a bounded local queue drained by
// workers that send with limited retry. Track never blocks; a full queue
// drops the record.
type Dispatcher struct {
	producer sarama.SyncProducer
	topic    string
	opts     Options

	mu     sync.RWMutex
	closed bool
	queue  chan domain.ActivityEvent

	wg   sync.WaitGroup
	quit chan struct{}

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func NewDispatcher(producer sarama.SyncProducer, topic string, opts Options) *Dispatcher {
	opts = opts.withDefaults()
	d := &Dispatcher{
		producer: producer,
		topic:    topic,
		opts:     opts,
		queue:    make(chan domain.ActivityEvent, opts.QueueSize),
		quit:     make(chan struct{}),
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
	return d
}

// NewProducer builds the sync producer the dispatcher expects.
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 0
	return sarama.NewSyncProducer(brokers, cfg)
}

func (d *Dispatcher) Track(ev domain.ActivityEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return
	}
	select {
	case d.queue <- ev:
	default:
		if n := d.dropped.Add(1); n == 1 || n%1000 == 0 {
			log.Warn().Str("module", "adapters.activity").Uint64("dropped", n).Msg("activity queue full")
		}
	}
}

func (d *Dispatcher) Sent() uint64    { return d.sent.Load() }
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Close stops intake and drains the queue. When ctx expires first, pending
// retries are abandoned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		select {
		case <-d.quit:
		default:
			close(d.quit)
		}
		return ctx.Err()
	}
}

func (d *Dispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for ev := range d.queue {
		d.sendWithRetry(workerID, ev)
	}
}

func (d *Dispatcher) sendWithRetry(workerID int, ev domain.ActivityEvent) {
	for attempt := 0; attempt <= d.opts.MaxRetry; attempt++ {
		err := d.sendOnce(ev)
		if err == nil {
			d.sent.Add(1)
			return
		}
		if attempt == d.opts.MaxRetry {
			d.dropped.Add(1)
			log.Warn().Err(err).Str("module", "adapters.activity").
				Str("kind", string(ev.Kind)).Int("worker", workerID).Msg("kafka send failed, dropping event")
			return
		}

		backoff := d.opts.BaseBackoff * time.Duration(1<<attempt)
		if backoff > d.opts.MaxBackoff {
			backoff = d.opts.MaxBackoff
		}
		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-d.quit:
			t.Stop()
			d.dropped.Add(1)
			return
		}
	}
}

func (d *Dispatcher) sendOnce(ev domain.ActivityEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	key := string(ev.RoomID)
	if key == "" {
		key = string(ev.UserID)
	}
	_, _, err = d.producer.SendMessage(&sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(b),
	})
	return err
}
