// Command e2e runs a router-backed container against a local SQS emulator.
// Log markers prefixed with E2E_ are asserted by the e2e harness.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hatsunemiku3939/sqslistener"
	failure "github.com/hatsunemiku3939/sqslistener/policy/failure"
	"github.com/hatsunemiku3939/sqslistener/types"
)

const (
	MsgTypeE2ETest = "e2eTest"
	MsgVersion1_0  = "1.0"
)

var testSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["testId", "payload"],
	"properties": {
		"testId": { "type": "string" },
		"payload": { "type": "string" }
	},
	"additionalProperties": false
}`

type E2ETestMessage struct {
	TestID  string `json:"testId"`
	Payload string `json:"payload"`
}

func E2ETestHandler(_ context.Context, messageJSON []byte, _ []byte) sqslistener.HandlerResult {
	var msg E2ETestMessage
	if err := json.Unmarshal(messageJSON, &msg); err != nil {
		return sqslistener.HandlerResult{ShouldDelete: true, Error: fmt.Errorf("failed to unmarshal e2e test message: %w", err)}
	}

	log.Info().Str("test_id", msg.TestID).Str("payload", msg.Payload).Msg("E2E_TEST_SUCCESS")
	if os.Getenv("E2E_HANDLER_FORCE_ERR") == "1" {
		return sqslistener.HandlerResult{ShouldDelete: true, Error: fmt.Errorf("e2e handler forced error")}
	}
	return sqslistener.HandlerResult{ShouldDelete: true}
}

// traceMiddleware logs around routing and can force a failure.
func traceMiddleware(next sqslistener.RouteFunc) sqslistener.RouteFunc {
	return func(ctx context.Context, s *sqslistener.RouteState) (sqslistener.RoutedResult, error) {
		if os.Getenv("E2E_MW_FAIL") == "1" {
			err := fmt.Errorf("e2e middleware forced failure")
			log.Info().Err(err).Msg("E2E_MW_AFTER_ERR")
			return sqslistener.RoutedResult{MessageType: "unknown", MessageVersion: "unknown"}, err
		}

		rr, err := next(ctx, s)
		if err != nil {
			log.Info().Err(err).Msg("E2E_MW_AFTER_ERR")
			return rr, err
		}
		log.Info().Str("type", rr.MessageType).Str("version", rr.MessageVersion).Msg("E2E_MW_AFTER_OK")
		return rr, nil
	}
}

// forceRetryOnHandlerErr turns handler errors into retries.
func forceRetryOnHandlerErr(_ context.Context, kind failure.Kind, inner error, current failure.Result) failure.Result {
	if kind == failure.FailHandlerError {
		current.ShouldDelete = false
	}
	if inner != nil && current.Error == nil {
		current.Error = inner
	}
	return current
}

type markerObserver struct{}

func (markerObserver) MessageReceived(types.Message) {}
func (markerObserver) MessageProcessed(msg types.Message, err error, _ time.Duration) {
	if err != nil {
		log.Info().Str("message_id", msg.ID).Err(err).Msg("E2E_PROCESS_FAILED")
	}
}
func (markerObserver) MessageResolved(msg types.Message, err error) {
	if err == nil {
		log.Info().Str("message_id", msg.ID).Msg("E2E_DELETED")
	}
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, NoColor: true})

	endpoint := os.Getenv("AWS_ENDPOINT_URL")
	if endpoint == "" {
		log.Fatal().Msg("AWS_ENDPOINT_URL environment variable is not set")
	}
	queueURL := os.Getenv("SQS_QUEUE_URL")
	if queueURL == "" {
		log.Fatal().Msg("SQS_QUEUE_URL environment variable is not set")
	}

	cfg, err := config.LoadDefaultConfig(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load AWS config")
	}
	client := sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	var routerOpts []sqslistener.RouterOption
	if os.Getenv("E2E_POLICY_FORCE_RETRY_ON_HANDLER_ERR") == "1" {
		routerOpts = append(routerOpts, sqslistener.WithFailurePolicy(failure.PolicyFunc(forceRetryOnHandlerErr)))
	}
	router, err := sqslistener.NewRouter(sqslistener.EnvelopeSchema, routerOpts...)
	if err != nil {
		log.Fatal().Err(err).Msg("could not initialize router")
	}
	if err := router.RegisterSchema(MsgTypeE2ETest, MsgVersion1_0, testSchema); err != nil {
		log.Fatal().Err(err).Msg("could not register schema")
	}
	router.Use(traceMiddleware)
	router.Register(MsgTypeE2ETest, MsgVersion1_0, E2ETestHandler)

	opts := []sqslistener.Option{
		sqslistener.WithID("e2e"),
		sqslistener.WithWaitTime(time.Second),
		sqslistener.WithBatchResolution(10, 200*time.Millisecond),
		sqslistener.WithObserver(markerObserver{}),
	}
	if os.Getenv("E2E_FIFO") == "1" {
		opts = append(opts, sqslistener.WithFIFO(0, 10), sqslistener.WithPurgeGroupOnFailure())
	}
	container, err := sqslistener.New(client, queueURL, router, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("could not create container")
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	if err := container.Start(); err != nil {
		log.Fatal().Err(err).Msg("could not start container")
	}

	<-shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := container.Stop(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
	}
	log.Info().Msg("application has shut down")
}
