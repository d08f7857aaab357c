// Package amqpconn builds the broker connection the rest of the bridge runs
// on top of: URL assembly from the configuration registry, and a dial loop
// with exponential backoff for the initial connection attempt.
package amqpconn

import (
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/vcdextproxy/bridge/internal/registry"
	"github.com/vcdextproxy/bridge/internal/xlog"
)

// Options describes how to reach the broker.
type Options struct {
	Host     string
	Port     int
	VHost    string
	Username string
	Password string
	UseTLS   bool

	DialTimeout time.Duration
	MaxRetries  int
}

// URL assembles the amqp(s):// connection string. Credentials and the vhost
// are escaped manually (not via url.URL.Path) because the vhost is
// conventionally "/" and amqp091-go expects that single slash to arrive as
// one escaped path segment ("%2F"); routing it through url.URL.String()'s
// own path escaping would double-encode the "%" we produce ourselves.
func (o Options) URL() string {
	scheme := "amqp"
	if o.UseTLS {
		scheme = "amqps"
	}
	vhost := o.VHost
	if vhost == "" {
		vhost = "/"
	}
	userinfo := url.UserPassword(o.Username, o.Password).String()
	return fmt.Sprintf("%s://%s@%s:%d/%s", scheme, userinfo, o.Host, o.Port, url.PathEscape(vhost))
}

// FromRegistry reads global.amqp.* settings out of reg.
func FromRegistry(reg *registry.Registry) Options {
	return Options{
		Host:        reg.LookupString("global.amqp.host", "localhost"),
		Port:        reg.LookupInt("global.amqp.port", 5672),
		VHost:       reg.LookupString("global.amqp.vhost", "/"),
		Username:    reg.LookupString("global.amqp.username", "guest"),
		Password:    reg.LookupString("global.amqp.password", "guest"),
		UseTLS:      reg.LookupBool("global.amqp.ssl", false),
		DialTimeout: time.Duration(reg.LookupInt("global.amqp.dial_timeout_seconds", 10)) * time.Second,
		MaxRetries:  reg.LookupInt("global.amqp.max_retries", 10),
	}
}

// Dial connects to the broker, making up to opts.MaxRetries attempts with
// exponential backoff between them (1s, doubling, capped at 30s). A heartbeat of 4s
// matches common AMQP broker defaults and lets a dead TCP connection be
// detected well inside any backend request timeout.
func Dial(opts Options, log *xlog.Logger) (*amqp.Connection, error) {
	cfg := amqp.Config{
		Heartbeat: 4 * time.Second,
		Dial:      amqp.DefaultDial(opts.DialTimeout),
	}

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	var lastErr error
	for attempt := 1; attempt <= opts.MaxRetries; attempt++ {
		conn, err := amqp.DialConfig(opts.URL(), cfg)
		if err == nil {
			log.Info("connected to broker at %s:%d (attempt %d)", opts.Host, opts.Port, attempt)
			return conn, nil
		}
		lastErr = err
		log.Error("broker connection attempt %d/%d failed: %v", attempt, opts.MaxRetries, err)
		if attempt == opts.MaxRetries {
			break
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return nil, fmt.Errorf("amqpconn: exhausted %d attempts: %w", opts.MaxRetries, lastErr)
}
