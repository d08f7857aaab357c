// Command vcdextproxy loads configuration, connects to the broker, registers
// every configured extension, runs the dispatcher until a termination
// signal arrives, and drains in-flight workers before exiting.
//
// Config resolution falls back from a CLI argument to an environment
// variable to a hardcoded default. Shutdown is signal-driven
// (SIGINT/SIGTERM) with a bounded grace period for in-flight workers. The
// top-level panic recovery turns a wrong-type registry read into a logged
// fatal error and a non-zero exit instead of an unhandled crash dump.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/vcdextproxy/bridge/internal/amqpconn"
	"github.com/vcdextproxy/bridge/internal/dispatcher"
	"github.com/vcdextproxy/bridge/internal/extension"
	"github.com/vcdextproxy/bridge/internal/publisher"
	"github.com/vcdextproxy/bridge/internal/registry"
	"github.com/vcdextproxy/bridge/internal/xlog"
)

const (
	defaultConfigPath = "/etc/vcdextproxy/config.yaml"
	shutdownGrace     = 10 * time.Second
)

func main() {
	os.Exit(run())
}

// run wires the whole proxy together. The deferred recover turns any panic
// -- most notably a wrong-type registry.Lookup -- into a logged fatal error
// and a non-zero exit code, rather than an unhandled crash dump.
func run() (code int) {
	log := xlog.New("supervisor", debugFromEnv())

	defer func() {
		if r := recover(); r != nil {
			log.Critical("fatal startup error: %v", r)
			code = 1
		}
	}()

	runID := uuid.NewString()
	log.Info("starting vcdextproxy run=%s", runID)

	configPath := resolveConfigPath()
	reg, err := registry.Load(configPath)
	if err != nil {
		log.Critical("failed to load configuration from %s: %v", configPath, err)
		return 1
	}

	opts := amqpconn.FromRegistry(reg)
	conn, err := amqpconn.Dial(opts, log)
	if err != nil {
		log.Critical("failed to connect to broker: %v", err)
		return 1
	}
	defer conn.Close()

	pubCh, err := conn.Channel()
	if err != nil {
		log.Critical("failed to open publish channel: %v", err)
		return 1
	}
	pub, err := publisher.New(pubCh, xlog.New("publisher", debugFromEnv()))
	if err != nil {
		log.Critical("failed to start publisher: %v", err)
		return 1
	}
	defer pub.Close()

	consumeCh, err := conn.Channel()
	if err != nil {
		log.Critical("failed to open consume channel: %v", err)
		return 1
	}

	disp := dispatcher.New(consumeCh, pub, xlog.New("dispatcher", debugFromEnv()))

	names := reg.ExtensionNames()
	if len(names) == 0 {
		log.Critical("no extensions configured under 'extensions'")
		return 1
	}
	for _, name := range names {
		desc, err := extension.Load(reg, name)
		if err != nil {
			log.Critical("failed to load extension %q: %v", name, err)
			return 1
		}
		if err := disp.Register(desc); err != nil {
			log.Critical("failed to register extension %q: %v", name, err)
			return 1
		}
		log.Info("registered extension %q on routing key %q", name, desc.RoutingKey)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	runErr := make(chan error, 1)
	go func() { runErr <- disp.Run(ctx) }()

	select {
	case sig := <-sigCh:
		log.Info("received signal %v, shutting down", sig)
		cancel()
	case err := <-runErr:
		if err != nil {
			log.Error("dispatcher stopped with error: %v", err)
			code = 1
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	disp.Shutdown(shutdownCtx)

	log.Info("vcdextproxy run=%s stopped", runID)
	return code
}

func resolveConfigPath() string {
	configFlag := flag.String("config", "", "path to the proxy configuration YAML file")
	flag.Parse()
	if *configFlag != "" {
		return *configFlag
	}
	if v := os.Getenv("VCDEXTPROXY_CONFIG"); v != "" {
		return v
	}
	return defaultConfigPath
}

func debugFromEnv() bool {
	v := os.Getenv("VCDEXTPROXY_DEBUG")
	return v == "1" || v == "true"
}
