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

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/hatsunemiku3939/sqslistener"
	"github.com/hatsunemiku3939/sqslistener/config"
	"github.com/hatsunemiku3939/sqslistener/metrics"
	"github.com/hatsunemiku3939/sqslistener/types"
)

func main() {
	_ = godotenv.Load(".env")
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	app := &cli.App{
		Name:  "sqslistener",
		Usage: "Consume an SQS queue with bounded, resizable concurrency",
		Commands: []*cli.Command{
			{
				Name:  "listen",
				Usage: "Consume messages and log their bodies",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "config",
						Usage:   "Path to a YAML configuration file",
						EnvVars: []string{"SQSLISTENER_CONFIG"},
					},
					&cli.StringFlag{
						Name:    "queue-url",
						Usage:   "SQS queue URL (overrides the config file)",
						EnvVars: []string{"SQS_QUEUE_URL"},
					},
					&cli.StringFlag{
						Name:    "endpoint",
						Usage:   "Custom SQS endpoint, e.g. a local emulator",
						EnvVars: []string{"SQS_ENDPOINT"},
					},
					&cli.IntFlag{
						Name:    "concurrency",
						Usage:   "Messages processed at once (overrides the config file)",
						EnvVars: []string{"SQSLISTENER_CONCURRENCY"},
					},
					&cli.BoolFlag{
						Name:    "fifo",
						Usage:   "Process messages of the same group in order",
						EnvVars: []string{"SQSLISTENER_FIFO"},
					},
					&cli.StringFlag{
						Name:    "metrics-addr",
						Usage:   "Address serving /metrics; empty disables it",
						EnvVars: []string{"METRICS_ADDR"},
					},
					&cli.StringFlag{
						Name:    "log-level",
						Usage:   "Log level (debug, info, warn, error)",
						EnvVars: []string{"LOG_LEVEL"},
					},
				},
				Action: listen,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("application failed")
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := &config.Config{}
	if path := c.String("config"); path != "" {
		loaded, err := config.ReadConfigFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if c.IsSet("queue-url") {
		cfg.Queue.URL = c.String("queue-url")
	}
	if c.IsSet("endpoint") {
		cfg.Queue.Endpoint = c.String("endpoint")
	}
	if c.IsSet("concurrency") {
		cfg.Consumer.Concurrency = c.Int("concurrency")
	}
	if c.IsSet("fifo") {
		cfg.FIFO.Enabled = c.Bool("fifo")
	}
	if c.IsSet("metrics-addr") {
		cfg.Metrics.Addr = c.String("metrics-addr")
	}
	if c.IsSet("log-level") {
		cfg.Logging.Level = c.String("log-level")
	}
	return cfg, cfg.Validate()
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func listen(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	setLogLevel(cfg.Logging.Level)

	var awsOpts []func(*awsconfig.LoadOptions) error
	if cfg.Queue.Region != "" {
		awsOpts = append(awsOpts, awsconfig.WithRegion(cfg.Queue.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(c.Context, awsOpts...)
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Queue.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Queue.Endpoint)
		}
	})

	opts := cfg.Options()
	if cfg.Metrics.Addr != "" {
		observer, err := metrics.New(prometheus.DefaultRegisterer, cfg.Queue.URL)
		if err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		opts = append(opts, sqslistener.WithObserver(observer))
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer srv.Close()
	}

	container, err := sqslistener.New(client, cfg.Queue.URL, types.HandlerFunc(logBody), opts...)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := container.Start(); err != nil {
		return err
	}
	log.Info().Str("id", container.ID()).Str("queue", cfg.Queue.URL).Msg("listening")

	<-sigChan
	log.Info().Msg("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Consumer.ShutdownTimeout.Duration())
	defer cancel()
	return container.Stop(ctx)
}

func logBody(_ context.Context, msg types.Message, _ types.Acknowledger) error {
	log.Info().Str("message_id", msg.ID).Str("group", msg.GroupID).Str("body", msg.Body).Msg("message received")
	return nil
}
