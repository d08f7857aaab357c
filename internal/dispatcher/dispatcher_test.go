package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/vcdextproxy/bridge/internal/envelope"
	"github.com/vcdextproxy/bridge/internal/extension"
	"github.com/vcdextproxy/bridge/internal/registry"
	"github.com/vcdextproxy/bridge/internal/xlog"
)

type fakeAcknowledger struct {
	mu     sync.Mutex
	acked  bool
	ackErr error
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = true
	return f.ackErr
}
func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error { return nil }
func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error         { return nil }

type fakePublisher struct {
	mu          sync.Mutex
	published   []envelope.ReplyProperties
	rawBodies   [][]byte
	rawRoutings []string
}

func (f *fakePublisher) Publish(_ context.Context, _ []byte, props envelope.ReplyProperties) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, props)
	return nil
}

func (f *fakePublisher) PublishRaw(_ context.Context, _ string, routingKey string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rawBodies = append(f.rawBodies, body)
	f.rawRoutings = append(f.rawRoutings, routingKey)
	return nil
}

func newTestDispatcher(pub *fakePublisher) *Dispatcher {
	workCtx, workCancel := context.WithCancel(context.Background())
	return &Dispatcher{
		pub:        pub,
		log:        xlog.New("test", false),
		sem:        make(chan struct{}, MaxConcurrentWorkers),
		routing:    make(map[string]route),
		workCtx:    workCtx,
		workCancel: workCancel,
	}
}

func descriptorFor(t *testing.T, routingKey string) *extension.Descriptor {
	t.Helper()
	doc := "extensions:\n  e:\n    amqp:\n      declare: false\n      routing_key: " + routingKey +
		"\n    backend:\n      endpoint: http://backend.invalid\n"
	reg, err := registry.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("registry.Parse: %v", err)
	}
	d, err := extension.Load(reg, "e")
	if err != nil {
		t.Fatalf("extension.Load: %v", err)
	}
	return d
}

func TestRegisterRejectsDuplicateRoutingKey(t *testing.T) {
	disp := newTestDispatcher(&fakePublisher{})

	if err := disp.Register(descriptorFor(t, "ext.shared")); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	err := disp.Register(descriptorFor(t, "ext.shared"))
	if err == nil {
		t.Fatal("expected second Register with the same routing key to fail")
	}
	if !errors.Is(err, extension.ErrConfigError) {
		t.Errorf("duplicate registration error = %v, want wrapping ErrConfigError", err)
	}
}

func TestProcessTaskUnknownKeyRequeuesSoftly(t *testing.T) {
	pub := &fakePublisher{}
	disp := newTestDispatcher(pub)

	ack := &fakeAcknowledger{}
	delivery := amqp.Delivery{
		Acknowledger: ack,
		RoutingKey:   "ext.unregistered",
		Exchange:     "vcd.ext.exchange",
		Body:         []byte(`[{},{}]`),
	}

	disp.processTask(delivery)

	if !ack.acked {
		t.Error("expected the delivery to be acked even for an unknown routing key")
	}
	if len(pub.rawRoutings) != 1 || pub.rawRoutings[0] != "ext.unregistered" {
		t.Errorf("expected a software-level requeue on the original routing key, got %v", pub.rawRoutings)
	}
}

func TestProcessTaskParseErrorDropsSilently(t *testing.T) {
	pub := &fakePublisher{}
	disp := newTestDispatcher(pub)
	if err := disp.Register(descriptorFor(t, "ext.known")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ack := &fakeAcknowledger{}
	delivery := amqp.Delivery{
		Acknowledger: ack,
		RoutingKey:   "ext.known",
		Body:         []byte(`not json`),
	}

	disp.processTask(delivery)

	if !ack.acked {
		t.Error("expected the delivery to be acked even when the body fails to parse")
	}
	if len(pub.published) != 0 || len(pub.rawRoutings) != 0 {
		t.Error("a PARSE_ERROR delivery should be dropped, not published or requeued")
	}
}

func TestProcessTaskKnownKeyDispatchesToWorker(t *testing.T) {
	pub := &fakePublisher{}
	disp := newTestDispatcher(pub)
	if err := disp.Register(descriptorFor(t, "ext.known")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ack := &fakeAcknowledger{}
	body := []byte(`[{"id":"r1","method":"TRACE","requestUri":"/x","queryString":"","headers":{},"body":""},{"org":"","user":"","rights":[]}]`)
	delivery := amqp.Delivery{
		Acknowledger:  ack,
		RoutingKey:    "ext.known",
		Body:          body,
		ReplyTo:       "reply-q",
		CorrelationId: "corr-1",
	}

	disp.processTask(delivery)
	disp.wg.Wait()

	if len(pub.published) != 1 {
		t.Fatalf("expected exactly one reply published, got %d", len(pub.published))
	}
	if pub.published[0].StatusCode != 405 {
		t.Errorf("reply status = %d, want 405 for an unsupported TRACE method", pub.published[0].StatusCode)
	}
}

func TestShutdownWaitsForInFlightWorkers(t *testing.T) {
	disp := newTestDispatcher(&fakePublisher{})
	finished := make(chan struct{})
	disp.wg.Add(1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(finished)
		disp.wg.Done()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	disp.Shutdown(ctx)

	select {
	case <-finished:
	default:
		t.Error("Shutdown returned before the in-flight worker finished")
	}
}
