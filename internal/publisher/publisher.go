// Package publisher implements the single point of contact with the
// broker's publish side. An amqp.Channel is not safe for concurrent use, so
// every worker's reply is funneled through one goroutine that owns the
// channel exclusively.
package publisher

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/vcdextproxy/bridge/internal/envelope"
	"github.com/vcdextproxy/bridge/internal/xlog"
)

const publishTimeout = 10 * time.Second

// publishExpiration is the broker-side message TTL applied to every publish
// (replies and software-level requeues alike): 10000 ms.
const publishExpiration = "10000"

type request struct {
	exchange      string
	routingKey    string
	correlationID string
	body          []byte
	done          chan error
}

// Publisher serializes every outbound publish (replies and software-level
// requeues) through a single owned amqp.Channel.
type Publisher struct {
	ch      *amqp.Channel
	log     *xlog.Logger
	reqs    chan request
	closed  chan struct{}
	confirm chan amqp.Confirmation
}

// New puts ch into publisher-confirm mode and starts the serializing
// goroutine. Callers must not use ch directly afterward.
func New(ch *amqp.Channel, log *xlog.Logger) (*Publisher, error) {
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("publisher: enable confirms: %w", err)
	}
	p := &Publisher{
		ch:      ch,
		log:     log,
		reqs:    make(chan request, 256),
		closed:  make(chan struct{}),
		confirm: ch.NotifyPublish(make(chan amqp.Confirmation, 256)),
	}
	returns := ch.NotifyReturn(make(chan amqp.Return, 256))
	go p.watchReturns(returns)
	go p.run()
	return p, nil
}

func (p *Publisher) watchReturns(returns chan amqp.Return) {
	for ret := range returns {
		p.log.Error("publish returned undeliverable: exchange=%s routing_key=%s reply=%s",
			ret.Exchange, ret.RoutingKey, ret.ReplyText)
	}
}

// run owns the channel exclusively: every Publish/PublishRaw call hands its
// work to this goroutine instead of calling ch.Publish directly.
func (p *Publisher) run() {
	defer close(p.closed)
	for req := range p.reqs {
		err := p.ch.PublishWithContext(context.Background(), req.exchange, req.routingKey,
			true, false, amqp.Publishing{
				ContentType:   "application/json",
				Body:          req.body,
				CorrelationId: req.correlationID,
				Expiration:    publishExpiration,
			})
		if err == nil {
			select {
			case conf := <-p.confirm:
				if !conf.Ack {
					err = fmt.Errorf("publisher: broker nacked publish")
				}
			case <-time.After(publishTimeout):
				err = fmt.Errorf("publisher: confirm timeout")
			}
		}
		req.done <- err
	}
}

// Publish encodes and sends a reply envelope to props.ReplyTo via
// props.ReplyToExchange (or the default exchange if empty), addressed by
// correlation id.
func (p *Publisher) Publish(ctx context.Context, body []byte, props envelope.ReplyProperties) error {
	encoded, err := envelope.EncodeReply(props.ID, props.ContentType, props.StatusCode, body)
	if err != nil {
		return fmt.Errorf("publisher: encode reply: %w", err)
	}
	return p.send(ctx, props.ReplyToExchange, props.ReplyTo, props.CorrelationID, encoded)
}

// PublishRaw republishes a delivery's original body back onto its original
// exchange/routing key. This is the software-level requeue used when a
// delivery's routing key has no registered extension: the delivery has
// already been acked, so a broker-level Nack/requeue is not available, and
// this is the closest equivalent. There is no reply correlation id to carry
// here since this is not a reply.
func (p *Publisher) PublishRaw(ctx context.Context, exchange, routingKey string, body []byte) error {
	return p.send(ctx, exchange, routingKey, "", body)
}

func (p *Publisher) send(ctx context.Context, exchange, routingKey, correlationID string, body []byte) error {
	req := request{
		exchange:      exchange,
		routingKey:    routingKey,
		correlationID: correlationID,
		body:          body,
		done:          make(chan error, 1),
	}
	select {
	case p.reqs <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting new publishes and waits for the serializing
// goroutine to drain.
func (p *Publisher) Close() {
	close(p.reqs)
	<-p.closed
}
