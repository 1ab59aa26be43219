// Command pacer-demo drives a Quantum connection as either a server or a
// client, wiring the BBR congestion controller behind the packet pacer and
// exposing the resulting pacing/congestion telemetry on a Prometheus
// /metrics endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aetherflow/quantumpacer/internal/quantum"
	"github.com/aetherflow/quantumpacer/internal/quantum/pacermetrics"
	"github.com/aetherflow/quantumpacer/internal/quantum/pacing"
	"github.com/aetherflow/quantumpacer/internal/quantum/ratelimit"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	mode := flag.String("mode", "server", "server or client")
	addr := flag.String("addr", ":9090", "local address to listen on (server mode)")
	remote := flag.String("remote", "localhost:9090", "remote address to dial (client mode)")
	metricsAddr := flag.String("metrics-addr", ":9100", "address to serve /metrics on")
	fecEnabled := flag.Bool("fec", true, "enable forward error correction")
	pacingEnabled := flag.Bool("pacing", true, "enable the packet pacer")
	maxPacingRateMbps := flag.Float64("max-pacing-rate-mbps", 0, "cap the pacing rate in Mbps (0 = uncapped)")
	admissionBps := flag.Int("admission-bytes-per-sec", 0, "admission-control rate in bytes/sec before the send queue (0 = unlimited)")
	sendInterval := flag.Duration("send-interval", 50*time.Millisecond, "client mode: interval between sends")
	payloadSize := flag.Int("payload-size", 1200, "client mode: bytes per message")
	duration := flag.Duration("duration", 0, "client mode: stop after this long (0 = run until interrupted)")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	metrics := pacermetrics.New("quantumpacer", "demo")
	go serveMetrics(*metricsAddr, logger)

	config := quantum.DefaultConfig()
	config.FECEnabled = *fecEnabled
	config.PacingEnabled = *pacingEnabled
	config.Logger = logger
	config.PacerMetrics = metrics
	if *maxPacingRateMbps > 0 {
		rate := pacing.BandwidthFromBitsPerSecond(uint64(*maxPacingRateMbps * 1e6))
		config.MaxPacingRate = &rate
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received interrupt, shutting down")
		cancel()
	}()
	if *duration > 0 {
		go func() {
			<-time.After(*duration)
			cancel()
		}()
	}

	var err error
	switch *mode {
	case "server":
		err = runServer(ctx, *addr, config, logger, metrics)
	case "client":
		var admission *ratelimit.Admission
		if *admissionBps > 0 {
			admission = ratelimit.New(*admissionBps, *admissionBps)
		}
		err = runClient(ctx, *remote, config, logger, metrics, admission, *sendInterval, *payloadSize)
	default:
		logger.Fatal("unknown mode", zap.String("mode", *mode))
	}
	if err != nil {
		logger.Fatal("demo run failed", zap.Error(err))
	}
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	logger.Info("metrics server listening", zap.String("address", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server stopped", zap.Error(err))
	}
}

func runServer(ctx context.Context, addr string, config *quantum.Config, logger *zap.Logger, metrics *pacermetrics.Metrics) error {
	conn, err := quantum.Listen("udp", addr, config)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer conn.Close()

	logger.Info("server listening", zap.String("addr", addr), zap.String("guid", conn.GUID().String()))

	go reportLoop(ctx, conn, metrics, logger, "server")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		data, err := conn.ReceiveWithTimeout(time.Second)
		if err != nil {
			continue
		}
		if err := conn.Send(data); err != nil {
			logger.Warn("echo send failed", zap.Error(err))
		}
	}
}

func runClient(ctx context.Context, remote string, config *quantum.Config, logger *zap.Logger, metrics *pacermetrics.Metrics, admission *ratelimit.Admission, interval time.Duration, payloadSize int) error {
	conn, err := quantum.Dial("udp", remote, config)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	logger.Info("client connected", zap.String("remote", remote), zap.String("guid", conn.GUID().String()))

	go reportLoop(ctx, conn, metrics, logger, "client")

	payload := make([]byte, payloadSize)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			printFinalStats(conn, logger)
			return nil
		case <-ticker.C:
			if admission != nil && !admission.Allow(payloadSize) {
				continue
			}
			if err := conn.Send(payload); err != nil {
				logger.Warn("send failed", zap.Error(err))
			}
		}
	}
}

func reportLoop(ctx context.Context, conn *quantum.Connection, metrics *pacermetrics.Metrics, logger *zap.Logger, role string) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bbrStats := conn.BBRStats()
			state, _ := bbrStats["state"].(string)
			btlBw, _ := bbrStats["btl_bw_mbps"].(float64)
			cwnd, _ := bbrStats["send_window"].(uint32)
			metrics.RecordCongestionState(role, state, btlBw, uint64(cwnd))

			stats := conn.Statistics()
			logger.Info("connection stats",
				zap.String("role", role),
				zap.Uint64("packets_sent", stats.PacketsSent),
				zap.Uint64("packets_received", stats.PacketsReceived),
				zap.Uint64("retransmissions", stats.Retransmissions),
				zap.String("bbr_state", state),
				zap.Float64("btl_bw_mbps", btlBw),
			)
		}
	}
}

func printFinalStats(conn *quantum.Connection, logger *zap.Logger) {
	stats := conn.Statistics()
	logger.Info("final stats",
		zap.Uint64("packets_sent", stats.PacketsSent),
		zap.Uint64("packets_received", stats.PacketsReceived),
		zap.Uint64("bytes_sent", stats.BytesSent),
		zap.Uint64("bytes_received", stats.BytesReceived),
		zap.Uint64("packets_lost", stats.PacketsLost),
		zap.Uint64("retransmissions", stats.Retransmissions),
	)
}
