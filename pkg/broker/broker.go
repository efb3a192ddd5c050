// Package broker wires the scheduler and scanner-node processes to the
// durable work queue: a direct exchange with a task queue and a result
// queue, both durable, both consumed at-least-once. The connection
// reconnects with exponential backoff; callers observe a disconnect only
// as a publish/consume error.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuemby/vulnscan/pkg/log"
	"github.com/cuemby/vulnscan/pkg/metrics"
	"github.com/cuemby/vulnscan/pkg/types"
)

// Config names the exchange and queue bindings.
type Config struct {
	URL          string
	Exchange     string
	TaskQueue    string
	ResultQueue  string
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// DefaultConfig returns a Config for url with the standard exchange/queue
// names and backoff bounds. Connect uses a Config as given and does not
// fill in zero fields.
func DefaultConfig(url string) Config {
	return Config{
		URL:          url,
		Exchange:     "vulnscan",
		TaskQueue:    "scan.tasks",
		ResultQueue:  "scan.results",
		ReconnectMin: 500 * time.Millisecond,
		ReconnectMax: 30 * time.Second,
	}
}

const (
	taskRoutingKey   = "task"
	resultRoutingKey = "result"
)

// Broker owns the AMQP connection and the two durable bindings. It
// reconnects with exponential backoff on disconnection; callers observe
// disconnection only as a publish/consume error, never a panic.
type Broker struct {
	cfg Config

	mu    sync.Mutex
	conn  *amqp.Connection
	ch    *amqp.Channel
	close chan struct{}
}

// Connect dials the broker and declares the exchange and both queues.
func Connect(cfg Config) (*Broker, error) {
	b := &Broker{cfg: cfg, close: make(chan struct{})}
	if err := b.dial(); err != nil {
		return nil, err
	}
	go b.watchConnection()
	return b, nil
}

func (b *Broker) dial() error {
	conn, err := amqp.Dial(b.cfg.URL)
	if err != nil {
		return fmt.Errorf("broker dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("broker channel: %w", err)
	}

	if err := ch.ExchangeDeclare(b.cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("exchange declare: %w", err)
	}

	if err := declareAndBind(ch, b.cfg.Exchange, b.cfg.TaskQueue, taskRoutingKey); err != nil {
		ch.Close()
		conn.Close()
		return err
	}
	if err := declareAndBind(ch, b.cfg.Exchange, b.cfg.ResultQueue, resultRoutingKey); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	b.mu.Lock()
	b.conn = conn
	b.ch = ch
	b.mu.Unlock()
	return nil
}

func declareAndBind(ch *amqp.Channel, exchange, queue, routingKey string) error {
	q, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue declare %s: %w", queue, err)
	}
	if err := ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
		return fmt.Errorf("queue bind %s: %w", queue, err)
	}
	return nil
}

// watchConnection reconnects with exponential backoff whenever the
// connection drops, until Close is called.
func (b *Broker) watchConnection() {
	for {
		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()
		if conn == nil {
			return
		}

		notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-b.close:
			return
		case err := <-notifyClose:
			if err != nil {
				log.Logger.Warn().Err(err).Msg("broker connection lost, reconnecting")
			}
		}

		backoff := b.cfg.ReconnectMin
		for {
			select {
			case <-b.close:
				return
			default:
			}

			metrics.BrokerReconnects.Inc()
			if err := b.dial(); err == nil {
				log.Logger.Info().Msg("broker reconnected")
				break
			} else {
				log.Logger.Warn().Err(err).Dur("backoff", backoff).Msg("broker reconnect failed")
			}

			select {
			case <-b.close:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > b.cfg.ReconnectMax {
				backoff = b.cfg.ReconnectMax
			}
		}
	}
}

// Close tears down the connection and stops the reconnect loop.
func (b *Broker) Close() error {
	close(b.close)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch != nil {
		b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

// PublishChunk publishes a persistent, JSON-encoded chunk message to the
// task queue, correlation id set to the task id.
func (b *Broker) PublishChunk(ctx context.Context, chunk *types.Chunk) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.BrokerPublishDuration, b.cfg.TaskQueue)

	body, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}

	b.mu.Lock()
	ch := b.ch
	b.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("broker not connected")
	}

	return ch.PublishWithContext(ctx, b.cfg.Exchange, taskRoutingKey, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: chunk.TaskID,
		Body:          body,
	})
}

// PublishResult publishes a result message to the result queue.
func (b *Broker) PublishResult(ctx context.Context, result *types.Result) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.BrokerPublishDuration, b.cfg.ResultQueue)

	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	b.mu.Lock()
	ch := b.ch
	b.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("broker not connected")
	}

	return ch.PublishWithContext(ctx, b.cfg.Exchange, resultRoutingKey, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: result.TaskID,
		Body:          body,
	})
}

// ConsumeChunks starts consuming task-queue deliveries; handler is invoked
// per message and the delivery is acked once handler returns. A handler
// error is logged and the delivery is still acked; malformed bodies are
// logged and acked without calling handler.
func (b *Broker) ConsumeChunks(ctx context.Context, consumerTag string, handler func(*types.Chunk) error) error {
	b.mu.Lock()
	ch := b.ch
	b.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("broker not connected")
	}

	deliveries, err := ch.Consume(b.cfg.TaskQueue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", b.cfg.TaskQueue, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				var chunk types.Chunk
				if err := json.Unmarshal(d.Body, &chunk); err != nil {
					log.Logger.Warn().Err(err).Msg("dropping malformed chunk message")
					d.Ack(false)
					continue
				}
				if err := handler(&chunk); err != nil {
					log.Logger.Error().Err(err).Str("task_id", chunk.TaskID).Msg("chunk handler failed")
				}
				d.Ack(false)
			}
		}
	}()
	return nil
}

// ConsumeResults starts consuming result-queue deliveries; the delivery is
// acked once handler returns. A handler error is logged and the delivery
// is still acked.
func (b *Broker) ConsumeResults(ctx context.Context, consumerTag string, handler func(*types.Result) error) error {
	b.mu.Lock()
	ch := b.ch
	b.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("broker not connected")
	}

	deliveries, err := ch.Consume(b.cfg.ResultQueue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", b.cfg.ResultQueue, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				var result types.Result
				if err := json.Unmarshal(d.Body, &result); err != nil {
					log.Logger.Warn().Err(err).Msg("dropping malformed result message")
					d.Ack(false)
					continue
				}
				if err := handler(&result); err != nil {
					log.Logger.Error().Err(err).Str("task_id", result.TaskID).Msg("result handler failed")
				}
				d.Ack(false)
			}
		}
	}()
	return nil
}
