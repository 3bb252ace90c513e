package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/livedesk/livedesk/pkg/models"
)

const (
	producerName       = "livedesk"
	dialRetryAttempts  = 5
	dialRetryBaseDelay = 500 * time.Millisecond
	dialRetryMaxDelay  = 10 * time.Second
)

// Routing keys on the topic exchange
const (
	KeyConversationUpdated = "livedesk.conversation.updated"
	KeyConversationEvent   = "livedesk.conversation.system_event"
	KeyQueueStats          = "livedesk.queue.stats"
	KeyQueueEntry          = "livedesk.queue.entry"
)

// Meta describes an envelope.
type Meta struct {
	ID            string    `json:"id"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
	Producer      string    `json:"producer"`
	Time          time.Time `json:"time"`
	Type          string    `json:"type"` // e.g. conversation.updated.v1
}

// Envelope is the wire format of every published message.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// NewEnvelope stamps data with a fresh id and the current time.
func NewEnvelope(typ string, data any) Envelope {
	return Envelope{
		Meta: Meta{ID: uuid.NewString(), Producer: producerName, Time: time.Now().UTC(), Type: typ},
		Data: data,
	}
}

// AMQPPublisher publishes helpdesk events to a RabbitMQ topic exchange.
type AMQPPublisher struct {
	url      string
	exchange string
	logger   *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
}

// DialAMQP connects with exponential backoff and declares the exchange.
func DialAMQP(ctx context.Context, url, exchange string, logger *zap.Logger) (*AMQPPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &AMQPPublisher{url: url, exchange: exchange, logger: logger}
	conn, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "open amqp channel")
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "declare exchange %s", exchange)
	}
	p.conn = conn
	return p, nil
}

func (p *AMQPPublisher) dial(ctx context.Context) (*amqp.Connection, error) {
	var lastErr error
	for i := 1; i <= dialRetryAttempts; i++ {
		conn, err := amqp.Dial(p.url)
		if err == nil {
			if i > 1 {
				p.logger.Info("amqp connected", zap.Int("attempt", i))
			}
			return conn, nil
		}
		lastErr = err

		sleep := dialRetryBaseDelay * time.Duration(math.Pow(2, float64(i-1)))
		if sleep > dialRetryMaxDelay {
			sleep = dialRetryMaxDelay
		}
		p.logger.Warn("amqp dial failed", zap.Int("attempt", i), zap.Duration("sleep", sleep), zap.Error(err))

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Wrap(ctx.Err(), "amqp dial cancelled")
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("connect to amqp after %d attempts: %w", dialRetryAttempts, lastErr)
}

// connection returns the live connection or redials. The lock is not held
// while dialing; if two pushes redial at once the loser's connection is
// closed.
func (p *AMQPPublisher) connection(ctx context.Context) (*amqp.Connection, error) {
	p.mu.Lock()
	if p.conn != nil && !p.conn.IsClosed() {
		conn := p.conn
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	conn, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil && !p.conn.IsClosed() {
		conn.Close()
		return p.conn, nil
	}
	p.conn = conn
	return conn, nil
}

// Publish sends one envelope with the given routing key.
func (p *AMQPPublisher) Publish(ctx context.Context, key string, env Envelope) error {
	conn, err := p.connection(ctx)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return errors.Wrap(err, "open amqp channel")
	}
	defer ch.Close()

	body, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "marshal envelope")
	}
	correlationID := env.Meta.ID
	if env.Meta.CorrelationID != nil {
		correlationID = *env.Meta.CorrelationID
	}

	err = ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: correlationID,
		Timestamp:     env.Meta.Time,
		Type:          env.Meta.Type,
		Body:          body,
	})
	if err != nil {
		return errors.Wrapf(err, "publish %s", key)
	}
	p.logger.Debug("published", zap.String("key", key), zap.String("exchange", p.exchange))
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

type conversationState struct {
	ConversationID string         `json:"conversation_id"`
	Fields         map[string]any `json:"fields"`
}

type conversationEvent struct {
	ConversationID string      `json:"conversation_id"`
	Event          SystemEvent `json:"event"`
}

type queueEntry struct {
	ConversationID string `json:"conversation_id"`
	models.QueueEntry
}

func (p *AMQPPublisher) PushConversationState(ctx context.Context, conversationID string, fields map[string]any) error {
	env := NewEnvelope("conversation.updated.v1", conversationState{ConversationID: conversationID, Fields: fields})
	env.Meta.CorrelationID = &conversationID
	return p.Publish(ctx, KeyConversationUpdated, env)
}

func (p *AMQPPublisher) PushSystemEvent(ctx context.Context, conversationID string, ev SystemEvent) error {
	env := NewEnvelope("conversation.system_event.v1", conversationEvent{ConversationID: conversationID, Event: ev})
	env.Meta.CorrelationID = &conversationID
	return p.Publish(ctx, KeyConversationEvent, env)
}

func (p *AMQPPublisher) PushQueueStats(ctx context.Context, stats models.QueueStats) error {
	return p.Publish(ctx, KeyQueueStats, NewEnvelope("queue.stats.v1", stats))
}

func (p *AMQPPublisher) PushQueueEntry(ctx context.Context, conversationID string, entry models.QueueEntry) error {
	env := NewEnvelope("queue.entry.v1", queueEntry{ConversationID: conversationID, QueueEntry: entry})
	env.Meta.CorrelationID = &conversationID
	return p.Publish(ctx, KeyQueueEntry, env)
}
