package actions

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/BespredeL/wafu/internal/waf"
)

const (
	defaultKafkaTimeout      = 2 * time.Second
	defaultKafkaQueueSize    = 1024
	defaultKafkaBatchTimeout = 50 * time.Millisecond
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	// Timeout bounds a single publish. Zero means two seconds.
	Timeout time.Duration
	// QueueSize bounds events waiting to be published; further events are
	// dropped. Zero means 1024.
	QueueSize int
	Logger    *slog.Logger
}

// Event is the JSON record published for every executed decision.
type Event struct {
	ID        string         `json:"id"`
	Time      time.Time      `json:"time"`
	IP        string         `json:"ip"`
	Method    string         `json:"method"`
	URI       string         `json:"uri"`
	UserAgent string         `json:"user_agent,omitempty"`
	Match     any            `json:"match,omitempty"`
	Response  *EventResponse `json:"response,omitempty"`
}

type EventResponse struct {
	Status int    `json:"status"`
	Body   string `json:"body,omitempty"`
}

// Kafka publishes decision events keyed by client IP. Execute only enqueues;
// a single worker hands events to an async writer. Publishing failures are
// logged and never affect the decision.
type Kafka struct {
	writer  kafkaWriter
	topic   string
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan kafka.Message
	done   chan struct{}
}

func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, errors.New("actions: kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("actions: kafka topic required")
	}
	logger := orDefault(cfg.Logger)
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		BatchTimeout: defaultKafkaBatchTimeout,
		MaxAttempts:  3,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Warn("waf event publish failed", "topic", cfg.Topic, "messages", len(msgs), "error", err)
			}
		},
	}
	return newKafka(w, cfg), nil
}

func newKafka(w kafkaWriter, cfg KafkaConfig) *Kafka {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultKafkaTimeout
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultKafkaQueueSize
	}
	k := &Kafka{
		writer:  w,
		topic:   cfg.Topic,
		timeout: timeout,
		logger:  orDefault(cfg.Logger),
		now:     time.Now,
		queue:   make(chan kafka.Message, size),
		done:    make(chan struct{}),
	}
	go k.run()
	return k
}

func orDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

func (k *Kafka) run() {
	defer close(k.done)
	for msg := range k.queue {
		ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
		if err := k.writer.WriteMessages(ctx, msg); err != nil {
			k.logger.Warn("waf event publish failed", "topic", k.topic, "key", string(msg.Key), "error", err)
		}
		cancel()
	}
}

func (k *Kafka) Execute(c *waf.Context) {
	evt := Event{
		ID:     c.ID(),
		Time:   k.now().UTC(),
		IP:     c.IP(),
		Method: c.Method(),
		URI:    c.URI(),
	}
	evt.UserAgent, _ = c.Header("User-Agent")
	evt.Match, _ = c.Attribute(waf.AttrMatch)
	if resp, ok := c.PendingResponse(); ok {
		evt.Response = &EventResponse{Status: resp.Status, Body: resp.Body}
	}

	data, err := json.Marshal(evt)
	if err != nil {
		k.logger.Warn("waf event encode failed", "topic", k.topic, "request_id", evt.ID, "error", err)
		return
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return
	}
	select {
	case k.queue <- kafka.Message{Key: []byte(evt.IP), Value: data}:
	default:
		k.logger.Warn("waf event dropped, queue full", "topic", k.topic, "request_id", evt.ID)
	}
}

// Close stops accepting events, publishes what is queued and closes the
// writer.
func (k *Kafka) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	close(k.queue)
	k.mu.Unlock()

	<-k.done
	return k.writer.Close()
}
