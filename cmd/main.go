// Kestrel kernel server.
//
// Standalone server exposing the kernel, engine, orchestration, and commbus
// services over the wire transport. Run it as a sidecar or a shared remote
// kernel for a fleet of pipeline workers.
//
// Usage:
//
//	go run ./cmd                              # Default :7433
//	go run ./cmd -addr :8080 -metrics-addr :9090
//	go build -o kestreld ./cmd && ./kestreld
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrelflow/kestrel/commbus"
	"github.com/kestrelflow/kestrel/kernel"
	"github.com/kestrelflow/kestrel/observability"
	"github.com/kestrelflow/kestrel/storage"
	"github.com/kestrelflow/kestrel/wire"
)

const version = "1.0.0"

// stdLogger implements the structured Logger interfaces on standard log.
type stdLogger struct {
	debug bool
}

func (l *stdLogger) Debug(msg string, keysAndValues ...any) {
	if l.debug {
		log.Printf("[DEBUG] %s %v", msg, keysAndValues)
	}
}

func (l *stdLogger) Info(msg string, keysAndValues ...any) {
	log.Printf("[INFO] %s %v", msg, keysAndValues)
}

func (l *stdLogger) Warn(msg string, keysAndValues ...any) {
	log.Printf("[WARN] %s %v", msg, keysAndValues)
}

func (l *stdLogger) Error(msg string, keysAndValues ...any) {
	log.Printf("[ERROR] %s %v", msg, keysAndValues)
}

func main() {
	addr := flag.String("addr", ":7433", "wire server address")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus /metrics address (empty disables)")
	otlpEndpoint := flag.String("otlp-endpoint", "", "OTLP gRPC trace endpoint (empty disables)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger := &stdLogger{debug: *debug}
	logger.Info("kestrel_starting", "version", version, "address", *addr)

	shutdownTracer, err := observability.InitTracer("kestrel-kernel", version, *otlpEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}

	bus := commbus.New(logger)
	k := kernel.NewKernel(logger, nil,
		kernel.WithStore(storage.NewMemStore()),
		kernel.WithEventPublisher(bus),
	)
	stopCleanup := k.StartCleanupLoop(kernel.DefaultCleanupConfig())

	server := wire.NewServer(logger, k, bus, wire.WithMetrics(observability.WireMetrics{}))

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", *addr, err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(lis) }()

	var metricsServer *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics_server_failed", "error", err.Error())
			}
		}()
		logger.Info("metrics_listening", "address", *metricsAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("kestrel_ready", "address", *addr)
	fmt.Printf("\nKestrel kernel running on %s\n", *addr)
	fmt.Println("Press Ctrl+C to stop")

	select {
	case sig := <-sigCh:
		logger.Info("shutdown_signal_received", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			logger.Error("serve_failed", "error", err.Error())
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stopCleanup()
	server.Close()
	if metricsServer != nil {
		metricsServer.Shutdown(ctx)
	}
	if err := k.Shutdown(ctx); err != nil {
		logger.Warn("kernel_shutdown_incomplete", "error", err.Error())
	}
	if err := shutdownTracer(ctx); err != nil {
		logger.Warn("tracer_shutdown_failed", "error", err.Error())
	}
	logger.Info("kestrel_stopped")
}
