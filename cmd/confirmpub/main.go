package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oagudo/confirm"
	"github.com/oagudo/confirm/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var version = "dev"

const defaultHeartbeat = 10 * time.Second

func main() {
	cfg := defaultConfig()

	rootCmd := &cobra.Command{
		Use:   "confirmpub",
		Short: "Publish audit events to RabbitMQ and wait for a broker confirmation of each",
		Long: `confirmpub declares a fanout exchange, then publishes audit events one by one
with publisher confirms enabled. Every publish waits until the broker acknowledges it;
a negative acknowledgment, a timeout or a closed channel stops the run.`,
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cfg.bindFlags(rootCmd.Flags())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, cfg config) (err error) {
	logger, err := newLogger(cfg.Debug)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	var observer confirm.Observer
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		collector, err := metrics.NewCollector(reg)
		if err != nil {
			return fmt.Errorf("registering metrics: %w", err)
		}
		observer = collector

		srv := serveMetrics(cfg.MetricsAddr, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	started := time.Now()
	conn, err := dial(cfg)
	if err != nil {
		return err
	}
	connected := time.Now()

	ch, err := conn.Channel()
	if err != nil {
		return multierr.Append(fmt.Errorf("opening channel: %w", err), conn.Close())
	}

	transport, err := confirm.NewAMQPTransport(ch,
		confirm.WithConnection(conn),
		confirm.WithAMQPLogger(logger))
	if err != nil {
		return multierr.Append(err, conn.Close())
	}
	defer func() {
		closeErr := transport.Close()
		if !errors.Is(closeErr, amqp.ErrClosed) {
			err = multierr.Append(err, closeErr)
		}
	}()
	confirmed := time.Now()

	err = ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeFanout, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declaring exchange %q: %w", cfg.Exchange, err)
	}

	logger.Info("connected to broker",
		zap.Duration("total", time.Since(started)),
		zap.Duration("connect", connected.Sub(started)),
		zap.Duration("confirm_select", confirmed.Sub(connected)),
		zap.Duration("declare", time.Since(confirmed)))

	opts := []confirm.PublisherOption{
		confirm.WithLogger(logger),
		confirm.WithConfirmTimeout(cfg.ConfirmTimeout),
	}
	if observer != nil {
		opts = append(opts, confirm.WithObserver(observer))
	}
	publisher := confirm.NewPublisher(transport, opts...)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.CloseTimeout)
		defer cancel()
		err = multierr.Append(err, publisher.Close(closeCtx))
	}()

	go logPublisherErrors(publisher, logger)

	return publishAll(ctx, cfg, publisher, logger)
}

func publishAll(ctx context.Context, cfg config, publisher *confirm.Publisher, logger *zap.Logger) error {
	host := currentHost()
	brokerHost := cfg.brokerHost()

	for i := 0; i < cfg.Count; i++ {
		now := time.Now()
		envelope := newEnvelope(brokerHost, cfg.Exchange, sampleEvent(now), host, now)
		body, err := envelope.Marshal()
		if err != nil {
			return err
		}

		msg := confirm.NewMessage(body,
			confirm.WithID(envelope.MessageID),
			confirm.WithExchange(cfg.Exchange),
			confirm.WithContentType(envelopeContentType),
			confirm.WithCreatedAt(envelope.SentTime))

		err = publisher.PublishAndAwaitConfirmation(ctx, msg)
		if err != nil {
			return fmt.Errorf("message %d of %d: %w", i+1, cfg.Count, err)
		}

		if elapsed := time.Since(now); elapsed > cfg.SlowThreshold {
			logger.Warn("slow publish confirmation",
				zap.Stringer("message_id", msg.ID),
				zap.Duration("elapsed", elapsed))
		}
	}

	logger.Info("all messages confirmed", zap.Int("count", cfg.Count))
	return nil
}

func logPublisherErrors(publisher *confirm.Publisher, logger *zap.Logger) {
	for err := range publisher.Errors() {
		var unknownErr *confirm.UnknownTagError
		if errors.As(err, &unknownErr) {
			logger.Debug("unmatched confirmation", zap.Error(err))
			continue
		}
		logger.Error("publisher error", zap.Error(err))
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()

	return srv
}
