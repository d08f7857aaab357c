// Package worker implements the request worker: one instance per inbound
// delivery, translating a parsed envelope into a single outbound HTTP call
// and handing the classified outcome to the reply publisher.
package worker

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vcdextproxy/bridge/internal/envelope"
	"github.com/vcdextproxy/bridge/internal/extension"
	"github.com/vcdextproxy/bridge/internal/xlog"
)

const (
	orgURNPrefix  = "urn:vcloud:org:"
	userURNPrefix = "urn:vcloud:user:"
	maxRedirects  = 10
)

var allowedMethods = map[string]bool{
	"get": true, "post": true, "put": true, "delete": true,
	"patch": true, "head": true, "options": true,
}

var errTooManyRedirects = errors.New("worker: too many redirects")

// DeliveryMeta is the subset of broker delivery metadata the worker needs to
// address its reply: the routing key (for logging), correlation id, and the
// reply-to queue/exchange pair supplied by the original requester.
type DeliveryMeta struct {
	RoutingKey      string
	CorrelationID   string
	ReplyTo         string
	ReplyToExchange string
}

// ReplyPublisher is the boundary a worker hands its outcome to. Workers
// never talk to the broker directly; publish failures are the publisher's
// concern and never propagate back here.
type ReplyPublisher interface {
	Publish(ctx context.Context, body []byte, props envelope.ReplyProperties) error
}

// PreChecker is the authorization/org-membership extension point. The core
// ships only a stub that passes every request through; real deployments
// must supply their own implementation.
type PreChecker interface {
	PreCheck(ctx context.Context, in *envelope.Inbound) (bool, error)
}

type passthroughPreCheck struct{}

func (passthroughPreCheck) PreCheck(context.Context, *envelope.Inbound) (bool, error) {
	return true, nil
}

// Worker is a single-use Request Worker: construct with New, call Run once.
type Worker struct {
	descriptor *extension.Descriptor
	publisher  ReplyPublisher
	preCheck   PreChecker
	log        *xlog.Logger
	httpClient *http.Client
}

// New builds a Worker bound to one extension descriptor. The descriptor's
// timeout and ssl_verify settings are baked into the HTTP client at
// construction time since they never change for the lifetime of the worker.
func New(d *extension.Descriptor, pub ReplyPublisher, log *xlog.Logger) *Worker {
	transport := &http.Transport{}
	if !d.SSLVerify() {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator-configured per extension
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   time.Duration(d.TimeoutSeconds()) * time.Second,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errTooManyRedirects
			}
			return nil
		},
	}
	return &Worker{
		descriptor: d,
		publisher:  pub,
		preCheck:   passthroughPreCheck{},
		log:        log,
		httpClient: client,
	}
}

// WithPreCheck overrides the default pass-through pre-check hook.
func (w *Worker) WithPreCheck(pc PreChecker) *Worker {
	w.preCheck = pc
	return w
}

// Run executes the worker's entire lifecycle: forge headers, validate the
// method, assemble the backend URL, decode the body, call the backend,
// classify the outcome, and publish the reply. It never returns an error:
// every failure mode has an HTTP-status reply.
func (w *Worker) Run(ctx context.Context, in *envelope.Inbound, meta DeliveryMeta) {
	headers := forgeHeaders(in)

	method := strings.ToLower(in.Request.Method)
	if !allowedMethods[method] {
		w.reply(ctx, jsonError(fmt.Sprintf("The method %s is not supported.", method)),
			http.StatusMethodNotAllowed, in.Request, meta, headers)
		return
	}

	backendURL, err := w.descriptor.BackendURL(in.Request.RequestURI, in.Request.QueryString)
	if err != nil {
		w.log.Error("[%s] backend URL configuration error: %v", w.descriptor.Name, err)
		w.reply(ctx, jsonError("Backend URL configuration is invalid"),
			http.StatusInternalServerError, in.Request, meta, headers)
		return
	}

	body, err := base64.StdEncoding.DecodeString(in.Request.Body)
	if err != nil {
		w.reply(ctx, jsonError("Unmanaged error raised"),
			http.StatusInternalServerError, in.Request, meta, headers)
		return
	}

	if ok, err := w.preCheck.PreCheck(ctx, in); err != nil || !ok {
		if err != nil {
			w.log.Error("[%s] pre-check error: %v", w.descriptor.Name, err)
		}
		w.reply(ctx, jsonError("Pre-check rejected this request"),
			http.StatusForbidden, in.Request, meta, headers)
		return
	}

	respBody, status := w.call(ctx, method, backendURL, body, headers)
	w.reply(ctx, respBody, status, in.Request, meta, headers)
}

func (w *Worker) call(ctx context.Context, method, backendURL string, body []byte, headers http.Header) ([]byte, int) {
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), backendURL, bytes.NewReader(body))
	if err != nil {
		w.log.Error("[%s] request construction error: %v", w.descriptor.Name, err)
		return jsonError("Unmanaged error raised"), http.StatusInternalServerError
	}
	req.Header = headers
	if auth, ok := w.descriptor.Auth(); ok {
		req.SetBasicAuth(auth.Username, auth.Password)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return classifyError(w.log, w.descriptor.Name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		w.log.Error("[%s] error reading backend response: %v", w.descriptor.Name, err)
		return jsonError("Unmanaged error raised"), http.StatusInternalServerError
	}
	return data, resp.StatusCode
}

func classifyError(log *xlog.Logger, extName string, err error) ([]byte, int) {
	if errors.Is(err, errTooManyRedirects) {
		log.Debug("[%s] redirect loop from backend", extName)
		return jsonError("TooManyRedirects from extension backend server"), http.StatusLoopDetected
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		log.Debug("[%s] timeout from backend", extName)
		return jsonError("Timeout from extension backend server"), http.StatusGatewayTimeout
	}
	var dnsErr *net.DNSError
	var opErr *net.OpError
	if errors.As(err, &dnsErr) || errors.As(err, &opErr) {
		log.Debug("[%s] connection error to backend: %v", extName, err)
		return jsonError("ConnectionError from the extension backend server"), http.StatusServiceUnavailable
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		log.Debug("[%s] request error to backend: %v", extName, err)
		return jsonError("RequestException from extension backend server"), http.StatusBadGateway
	}
	log.Error("[%s] unmanaged error raised: %v", extName, err)
	return jsonError("Unmanaged error raised"), http.StatusInternalServerError
}

// forgeHeaders builds the header set sent to the backend: the request's own
// headers with Content-Length stripped (case-insensitively), plus org_id,
// user_id, and user_rights lifted out of the context object.
//
// Headers are assigned directly into the map (bypassing http.Header.Set,
// which canonicalizes keys) so that arbitrary-cased header names from the
// original request reach the backend byte-for-byte; net/http writes a
// Header's keys on the wire exactly as stored when not accessed through
// Set/Add.
func forgeHeaders(in *envelope.Inbound) http.Header {
	h := make(http.Header, len(in.Request.Headers)+3)
	for k, v := range in.Request.Headers {
		if strings.EqualFold(k, "Content-Length") {
			continue
		}
		h[k] = []string{v}
	}
	h["org_id"] = []string{strings.TrimPrefix(in.Context.Org, orgURNPrefix)}
	h["user_id"] = []string{strings.TrimPrefix(in.Context.User, userURNPrefix)}
	rights, _ := json.Marshal(in.Context.Rights)
	h["user_rights"] = []string{string(rights)}
	return h
}

// headerValue scans h case-insensitively, since forgeHeaders does not
// canonicalize keys and the caller may be looking for a header the original
// requester sent in any casing (e.g. "accept" vs "Accept").
func headerValue(h http.Header, key string) string {
	for k, v := range h {
		if strings.EqualFold(k, key) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

func (w *Worker) reply(ctx context.Context, body []byte, status int, req envelope.InboundRequest, meta DeliveryMeta, headers http.Header) {
	props := envelope.ReplyProperties{
		ID:              req.ID,
		Accept:          headerValue(headers, "Accept"),
		CorrelationID:   meta.CorrelationID,
		ReplyTo:         meta.ReplyTo,
		ReplyToExchange: meta.ReplyToExchange,
		StatusCode:      status,
	}
	if err := w.publisher.Publish(ctx, body, props); err != nil {
		w.log.Error("[%s] reply publish failed: %v", w.descriptor.Name, err)
	}
}

func jsonError(msg string) []byte {
	b, _ := json.Marshal(map[string]string{"Error": msg})
	return b
}
