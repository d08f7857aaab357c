package registry

import "testing"

const sampleConfig = `
broker:
  host: rabbit.example.com
  port: 5672

extensions:
  zeta:
    amqp:
      routing_key: ext.zeta
  alpha:
    amqp:
      routing_key: ext.alpha
  mu:
    amqp:
      routing_key: ext.mu
`

func TestParseExtensionOrderMatchesDeclaration(t *testing.T) {
	reg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	got := reg.ExtensionNames()
	want := []string{"zeta", "alpha", "mu"}
	if len(got) != len(want) {
		t.Fatalf("expected %d extension names, got %d: %v", len(want), len(got), got)
	}
	for i, name := range want {
		if got[i] != name {
			t.Errorf("extension order[%d] = %q, want %q", i, got[i], name)
		}
	}
}

func TestLookupDottedPath(t *testing.T) {
	reg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if got := reg.LookupString("broker.host", ""); got != "rabbit.example.com" {
		t.Errorf("broker.host = %q, want rabbit.example.com", got)
	}
	if got := reg.LookupInt("broker.port", 0); got != 5672 {
		t.Errorf("broker.port = %d, want 5672", got)
	}
}

func TestLookupMissingKeyReturnsDefault(t *testing.T) {
	reg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if got := reg.LookupString("broker.vhost", "/"); got != "/" {
		t.Errorf("broker.vhost = %q, want default /", got)
	}
	if got := reg.LookupInt("extensions.alpha.amqp.queue.message_ttl", 30000); got != 30000 {
		t.Errorf("message_ttl = %d, want default 30000", got)
	}
}

func TestLookupWrongTypePanics(t *testing.T) {
	reg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected Lookup to panic on a non-map traversal, it did not")
		}
	}()
	reg.Lookup("broker.host.nested", nil)
}

func TestLookupStringWrongTypePanics(t *testing.T) {
	reg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected LookupString to panic on a non-string value, it did not")
		}
	}()
	reg.LookupString("broker.port", "")
}

func TestFromMapBuildsExtensionOrderWithoutGuarantee(t *testing.T) {
	reg := FromMap(map[string]interface{}{
		"extensions": map[string]interface{}{
			"one": map[string]interface{}{},
			"two": map[string]interface{}{},
		},
	})
	if len(reg.ExtensionNames()) != 2 {
		t.Fatalf("expected 2 extension names, got %d", len(reg.ExtensionNames()))
	}
}
