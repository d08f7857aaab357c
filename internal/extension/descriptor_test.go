package extension

import (
	"errors"
	"testing"

	"github.com/vcdextproxy/bridge/internal/registry"
)

const sampleConfig = `
extensions:
  myext:
    amqp:
      routing_key: ext.myext
      exchange:
        name: vcd.ext.exchange
      queue:
        name: myext-queue
    backend:
      endpoint: http://backend.internal:8080
      uri_replace:
        pattern: /api/extension
        by: /api/admin/extension
      auth:
        username: svc
        password: secret
  bare:
    amqp:
      routing_key: ext.bare
    backend:
      endpoint: http://bare.internal
`

func loadTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("registry.Parse failed: %v", err)
	}
	return reg
}

func TestLoadRequiresRoutingKey(t *testing.T) {
	reg, err := registry.Parse([]byte("extensions:\n  broken:\n    amqp: {}\n"))
	if err != nil {
		t.Fatalf("registry.Parse failed: %v", err)
	}
	if _, err := Load(reg, "broken"); err == nil {
		t.Fatal("expected Load to fail for a missing routing_key, got nil error")
	}
}

func TestLoadDefaults(t *testing.T) {
	reg := loadTestRegistry(t)
	d, err := Load(reg, "bare")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if d.Queue.MessageTTLMs != 30000 {
		t.Errorf("MessageTTLMs = %d, want default 30000", d.Queue.MessageTTLMs)
	}
	if d.TimeoutSeconds() != 600 {
		t.Errorf("TimeoutSeconds = %d, want default 600", d.TimeoutSeconds())
	}
	if !d.SSLVerify() {
		t.Error("SSLVerify should default to true")
	}
	if _, ok := d.Auth(); ok {
		t.Error("bare extension should have no configured auth")
	}
}

func TestBackendURLRewriteAndQuery(t *testing.T) {
	reg := loadTestRegistry(t)
	d, err := Load(reg, "myext")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	got, err := d.BackendURL("/api/extension/widgets/1", "format=json")
	if err != nil {
		t.Fatalf("BackendURL failed: %v", err)
	}
	want := "http://backend.internal:8080/api/admin/extension/widgets/1?format=json"
	if got != want {
		t.Errorf("BackendURL = %q, want %q", got, want)
	}

	if auth, ok := d.Auth(); !ok || auth.Username != "svc" || auth.Password != "secret" {
		t.Errorf("Auth() = %+v, ok=%v, want svc/secret", auth, ok)
	}
}

func TestBackendURLInvalidIsConfigError(t *testing.T) {
	reg, err := registry.Parse([]byte("extensions:\n  bad:\n    amqp:\n      routing_key: ext.bad\n    backend:\n      endpoint: \"\"\n"))
	if err != nil {
		t.Fatalf("registry.Parse failed: %v", err)
	}
	d, err := Load(reg, "bad")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := d.BackendURL("/whatever", ""); !errors.Is(err, ErrConfigError) {
		t.Errorf("BackendURL error = %v, want ErrConfigError", err)
	}
}
