// Package dispatcher implements the message consumer/dispatcher: binds one
// AMQP consumer per registered extension, and for each delivery, acks
// first, resolves the routing key against the extension table, parses the
// envelope, and spawns a bounded-concurrency worker.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/vcdextproxy/bridge/internal/envelope"
	"github.com/vcdextproxy/bridge/internal/extension"
	"github.com/vcdextproxy/bridge/internal/publisher"
	"github.com/vcdextproxy/bridge/internal/worker"
	"github.com/vcdextproxy/bridge/internal/xlog"
)

// MaxConcurrentWorkers bounds the number of requests processed at once
// across all extensions combined.
const MaxConcurrentWorkers = 64

type route struct {
	descriptor *extension.Descriptor
	queueName  string
}

// replyPublisher is the subset of *publisher.Publisher the dispatcher needs:
// reply delivery plus the software-level requeue for UNKNOWN_KEY. Kept as
// an interface (rather than depending on the concrete type directly) so
// processTask's dispatch logic can be exercised with a fake in tests
// without a live broker connection.
type replyPublisher interface {
	worker.ReplyPublisher
	PublishRaw(ctx context.Context, exchange, routingKey string, body []byte) error
}

// Dispatcher owns the AMQP channel used for consuming, the extension
// routing table, and the worker concurrency bound.
type Dispatcher struct {
	ch        *amqp.Channel
	pub       replyPublisher
	log       *xlog.Logger
	sem       chan struct{}
	routing   map[string]route // routing key -> route
	wg        sync.WaitGroup
	consumers sync.WaitGroup

	// workCtx is handed to every spawned worker (and its reply publish)
	// instead of Run's ctx: Run's ctx only controls whether the consumer
	// keeps pulling new deliveries off the broker. Tying worker lifetime to
	// that same ctx would abort every in-flight backend call and reply
	// publish the instant shutdown begins, leaving Shutdown's grace period
	// nothing to wait for. workCancel is only ever called by Shutdown, and
	// only once the in-flight workers have finished or its grace period has
	// elapsed, whichever comes first.
	workCtx    context.Context
	workCancel context.CancelFunc
}

// New builds a Dispatcher bound to ch for consuming and pub for replies.
func New(ch *amqp.Channel, pub *publisher.Publisher, log *xlog.Logger) *Dispatcher {
	workCtx, workCancel := context.WithCancel(context.Background())
	return &Dispatcher{
		ch:         ch,
		pub:        pub,
		log:        log,
		sem:        make(chan struct{}, MaxConcurrentWorkers),
		routing:    make(map[string]route),
		workCtx:    workCtx,
		workCancel: workCancel,
	}
}

// Register declares d's exchange/queue (when configured to) and adds it to
// the routing table. It is an error to register two descriptors that share
// a routing key: that ambiguity can never be resolved at dispatch time, so
// it must fail at startup instead.
func (d *Dispatcher) Register(desc *extension.Descriptor) error {
	if _, exists := d.routing[desc.RoutingKey]; exists {
		return fmt.Errorf("dispatcher: routing key %q already registered (duplicate extension %q): %w",
			desc.RoutingKey, desc.Name, extension.ErrConfigError)
	}

	exch, queue := desc.QueueSpecs()
	if exch.Declare && exch.Name != "" {
		if err := d.ch.ExchangeDeclare(exch.Name, exch.Type, exch.Durable, false, false, false, nil); err != nil {
			return fmt.Errorf("dispatcher: declare exchange %q: %w", exch.Name, err)
		}
	}
	if queue.Declare && queue.Name != "" {
		args := amqp.Table{}
		if queue.MessageTTLMs > 0 {
			args["x-message-ttl"] = int32(queue.MessageTTLMs)
		}
		if _, err := d.ch.QueueDeclare(queue.Name, true, false, false, false, args); err != nil {
			return fmt.Errorf("dispatcher: declare queue %q: %w", queue.Name, err)
		}
		if exch.Name != "" {
			if err := d.ch.QueueBind(queue.Name, desc.RoutingKey, exch.Name, false, nil); err != nil {
				return fmt.Errorf("dispatcher: bind queue %q to exchange %q: %w", queue.Name, exch.Name, err)
			}
		}
	}

	d.routing[desc.RoutingKey] = route{descriptor: desc, queueName: queue.Name}
	return nil
}

// Run starts one consumer goroutine per registered extension queue and
// blocks until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	seen := make(map[string]bool)
	for _, r := range d.routing {
		if r.queueName == "" || seen[r.queueName] {
			continue
		}
		seen[r.queueName] = true

		deliveries, err := d.ch.Consume(r.queueName, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("dispatcher: consume %q: %w", r.queueName, err)
		}
		d.consumers.Add(1)
		go d.consumeLoop(ctx, deliveries)
	}
	<-ctx.Done()
	d.consumers.Wait()
	return nil
}

func (d *Dispatcher) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer d.consumers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			d.processTask(delivery)
		}
	}
}

// processTask implements the per-delivery pipeline in order: ack first,
// then resolve the routing key, then parse, then dispatch. Acking before
// resolution means a delivery for an unregistered
// routing key cannot be nacked back onto the broker's own retry path; see
// the software-level requeue via PublishRaw below.
//
// Publishes made here (the software-level requeue, and the worker's
// eventual reply) run under d.workCtx rather than the consume loop's ctx, so
// they are not aborted just because the consumer has stopped pulling new
// deliveries.
func (d *Dispatcher) processTask(delivery amqp.Delivery) {
	if err := delivery.Ack(false); err != nil {
		d.log.Error("ack failed for delivery routing_key=%s: %v", delivery.RoutingKey, err)
		return
	}

	r, ok := d.routing[delivery.RoutingKey]
	if !ok {
		d.log.Error("UNKNOWN_KEY: no extension registered for routing key %q, requeuing", delivery.RoutingKey)
		if err := d.pub.PublishRaw(d.workCtx, delivery.Exchange, delivery.RoutingKey, delivery.Body); err != nil {
			d.log.Error("software-level requeue failed for routing key %q: %v", delivery.RoutingKey, err)
		}
		return
	}

	in, err := envelope.ParseInbound(delivery.Body)
	if err != nil {
		d.log.Error("PARSE_ERROR on routing key %q: %v", delivery.RoutingKey, err)
		return
	}

	meta := worker.DeliveryMeta{
		RoutingKey:      delivery.RoutingKey,
		CorrelationID:   delivery.CorrelationId,
		ReplyTo:         delivery.ReplyTo,
		ReplyToExchange: delivery.Exchange,
	}
	if hv, ok := delivery.Headers["replyToExchange"]; ok {
		if s, ok := hv.(string); ok && s != "" {
			meta.ReplyToExchange = s
		}
	}

	w := worker.New(r.descriptor, d.pub, d.log)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.sem <- struct{}{}
		defer func() { <-d.sem }()
		w.Run(d.workCtx, in, meta)
	}()
}

// Shutdown waits for in-flight workers to finish, up to ctx's deadline. If
// the deadline is reached first, workCancel is invoked so any still-running
// backend calls and reply publishes are abandoned rather than left running
// past the caller's grace window.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.log.Error("shutdown deadline exceeded with workers still in flight")
	}
	d.workCancel()
}
