// Package extension implements the extension descriptor: the immutable,
// per-extension record of routing, topology, and backend settings that the
// dispatcher and request worker build their behavior from.
package extension

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/vcdextproxy/bridge/internal/registry"
)

// ErrConfigError is returned by BackendURL when the assembled URL is not a
// valid absolute URL; the worker maps this to its CONFIG_ERROR error kind.
// The dispatcher also wraps it when a routing key is registered twice.
var ErrConfigError = errors.New("extension: invalid backend URL")

// ExchangeSpec describes the AMQP exchange an extension's queue is bound to.
type ExchangeSpec struct {
	Name    string
	Type    string // topic, direct, fanout, headers
	Durable bool
	Declare bool
}

// QueueSpec describes the AMQP queue an extension's requests arrive on.
type QueueSpec struct {
	Name         string
	MessageTTLMs int
	Declare      bool
}

// BasicAuth is the optional backend credential pair.
type BasicAuth struct {
	Username string
	Password string
}

// Descriptor is the immutable, per-extension configuration record.
type Descriptor struct {
	Name       string
	RoutingKey string

	Exchange ExchangeSpec
	Queue    QueueSpec

	backendEndpoint string
	auth            *BasicAuth
	sslVerify       bool
	timeoutSeconds  int
	rewritePattern  string
	rewriteBy       string
}

// Load builds a Descriptor for extension name by reading
// extensions.<name>.* out of reg.
func Load(reg *registry.Registry, name string) (*Descriptor, error) {
	path := "extensions." + name

	d := &Descriptor{
		Name:       name,
		RoutingKey: reg.LookupString(path+".amqp.routing_key", ""),
	}
	if d.RoutingKey == "" {
		return nil, fmt.Errorf("extension %q: amqp.routing_key is required", name)
	}

	declare := reg.LookupBool(path+".amqp.declare", true)
	d.Exchange = ExchangeSpec{
		Name:    reg.LookupString(path+".amqp.exchange.name", ""),
		Type:    reg.LookupString(path+".amqp.exchange.type", "topic"),
		Durable: reg.LookupBool(path+".amqp.exchange.durable", true),
		Declare: declare,
	}
	d.Queue = QueueSpec{
		Name:         reg.LookupString(path+".amqp.queue.name", ""),
		MessageTTLMs: reg.LookupInt(path+".amqp.queue.message_ttl", 30000),
		Declare:      declare,
	}

	d.backendEndpoint = reg.LookupString(path+".backend.endpoint", "")
	d.sslVerify = reg.LookupBool(path+".backend.ssl_verify", true)
	d.timeoutSeconds = reg.LookupInt(path+".backend.timeout", 600)
	d.rewritePattern = reg.LookupString(path+".backend.uri_replace.pattern", "")
	d.rewriteBy = reg.LookupString(path+".backend.uri_replace.by", "")

	if user := reg.LookupString(path+".backend.auth.username", ""); user != "" {
		d.auth = &BasicAuth{
			Username: user,
			Password: reg.LookupString(path+".backend.auth.password", ""),
		}
	}

	return d, nil
}

// BackendURL assembles the full backend URL for a request: endpoint + uri,
// an optional "?query", then a global substring rewrite (not a regex) if one
// is configured. An assembled URL that isn't absolute is a CONFIG_ERROR.
func (d *Descriptor) BackendURL(uri, query string) (string, error) {
	full := d.backendEndpoint + uri
	if query != "" {
		full += "?" + query
	}
	if d.rewritePattern != "" {
		full = strings.ReplaceAll(full, d.rewritePattern, d.rewriteBy)
	}
	u, err := url.Parse(full)
	if err != nil || !u.IsAbs() {
		return "", fmt.Errorf("%w: %q", ErrConfigError, full)
	}
	return full, nil
}

// Auth returns the configured basic-auth credentials, if any.
func (d *Descriptor) Auth() (*BasicAuth, bool) {
	if d.auth == nil {
		return nil, false
	}
	return d.auth, true
}

// SSLVerify reports whether the backend's TLS certificate must be verified.
func (d *Descriptor) SSLVerify() bool {
	return d.sslVerify
}

// TimeoutSeconds is the per-request backend call timeout.
func (d *Descriptor) TimeoutSeconds() int {
	return d.timeoutSeconds
}

// QueueSpecs returns the exchange/queue pair this descriptor's consumer binds to.
func (d *Descriptor) QueueSpecs() (ExchangeSpec, QueueSpec) {
	return d.Exchange, d.Queue
}
