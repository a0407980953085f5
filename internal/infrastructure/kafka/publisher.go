package kafka

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/creative-atlas/atlas-collab/internal/domain/collab"
)

var ErrPublisherClosed = errors.New("publisher closed")

// Message is the record written to the topic for every gateway event.
type Message struct {
	EventID string `json:"eventId"`
	collab.Event
}

type Options struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.MaxRetry < 0 {
		o.MaxRetry = 0
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 100 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Second
	}
	return o
}

// Publisher forwards gateway events to Kafka without blocking the gateway.
// Events are sharded over workers by session id so each session's events keep
// their order on the partition picked by the message key.
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
	opts     Options
	logger   zerolog.Logger

	queues []chan collab.Event

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewPublisher(producer sarama.SyncProducer, topic string, opts Options, logger zerolog.Logger) *Publisher {
	opts = opts.withDefaults()
	p := &Publisher{
		producer: producer,
		topic:    topic,
		opts:     opts,
		logger:   logger.With().Str("component", "kafka_publisher").Str("topic", topic).Logger(),
		queues:   make([]chan collab.Event, opts.Workers),
	}
	perWorker := opts.QueueSize / opts.Workers
	if perWorker < 1 {
		perWorker = 1
	}
	for i := range p.queues {
		p.queues[i] = make(chan collab.Event, perWorker)
	}
	return p
}

// Start launches the workers.
func (p *Publisher) Start() {
	for i, q := range p.queues {
		p.wg.Add(1)
		go p.workerLoop(i, q)
	}
}

// Observe is a gateway listener. A full queue drops the event.
func (p *Publisher) Observe(evt collab.Event) {
	if err := p.Enqueue(evt); err != nil {
		p.logger.Warn().Err(err).
			Str("session_id", evt.SessionID).
			Str("type", string(evt.Type)).
			Msg("event not published")
	}
}

var errQueueFull = errors.New("publish queue full")

// Enqueue hands evt to the worker owning its session.
func (p *Publisher) Enqueue(evt collab.Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}
	q := p.queues[xxhash.Sum64String(evt.SessionID)%uint64(len(p.queues))]
	select {
	case q <- evt:
		return nil
	default:
		return errQueueFull
	}
}

// Close stops accepting events, flushes the queues and closes the producer.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	p.wg.Wait()
	return p.producer.Close()
}

func (p *Publisher) workerLoop(workerID int, q <-chan collab.Event) {
	defer p.wg.Done()
	for evt := range q {
		p.sendWithRetry(workerID, evt)
	}
}

func (p *Publisher) sendWithRetry(workerID int, evt collab.Event) {
	msg, err := p.message(evt)
	if err != nil {
		p.logger.Error().Err(err).Str("session_id", evt.SessionID).Msg("encode event failed")
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.BaseBackoff
	b.MaxInterval = p.opts.MaxBackoff
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0

	err = backoff.Retry(func() error {
		_, _, err := p.producer.SendMessage(msg)
		return err
	}, backoff.WithMaxRetries(b, uint64(p.opts.MaxRetry)))
	if err != nil {
		p.logger.Error().Err(err).
			Int("worker", workerID).
			Str("session_id", evt.SessionID).
			Str("type", string(evt.Type)).
			Msg("kafka send failed; event dropped")
	}
}

func (p *Publisher) message(evt collab.Event) (*sarama.ProducerMessage, error) {
	value, err := json.Marshal(Message{EventID: uuid.NewString(), Event: evt})
	if err != nil {
		return nil, err
	}
	return &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(evt.SessionID),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event-type"), Value: []byte(evt.Type)},
		},
	}, nil
}

// NewSyncProducer builds a producer that waits for all in-sync replicas.
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	return sarama.NewSyncProducer(brokers, cfg)
}
