package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hatsunemiku3939/sqslistener"
	"github.com/hatsunemiku3939/sqslistener/middleware"
)

var userProfileSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "userId": { "type": "string" },
    "username": { "type": "string" },
    "email": { "type": "string", "format": "email" }
  },
  "required": ["userId", "username", "email"]
}`

const (
	MsgTypeUpdateUserProfile = "updateUserProfile"
	MsgVersion1_0            = "1.0"
)

// UserProfileMessage is the payload of updateUserProfile messages.
type UserProfileMessage struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// UpdateUserProfileV1Handler simulates a profile update that honours cancellation.
func UpdateUserProfileV1Handler(ctx context.Context, messageJSON []byte, _ []byte) sqslistener.HandlerResult {
	var msg UserProfileMessage
	if err := json.Unmarshal(messageJSON, &msg); err != nil {
		return sqslistener.HandlerResult{ShouldDelete: true, Error: fmt.Errorf("failed to unmarshal user profile message: %w", err)}
	}

	log.Info().Str("user_id", msg.UserID).Str("username", msg.Username).Msg("processing user update")

	select {
	case <-time.After(2 * time.Second):
		log.Info().Str("user_id", msg.UserID).Msg("finished user update")
		return sqslistener.HandlerResult{ShouldDelete: true}
	case <-ctx.Done():
		// Retry once the message becomes visible again.
		return sqslistener.HandlerResult{ShouldDelete: false, Error: ctx.Err()}
	}
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	queueURL := os.Getenv("SQS_QUEUE_URL")
	if queueURL == "" {
		log.Fatal().Msg("SQS_QUEUE_URL environment variable is not set")
	}

	cfg, err := config.LoadDefaultConfig(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load AWS config")
	}
	client := sqs.NewFromConfig(cfg)

	router, err := sqslistener.NewRouter(sqslistener.EnvelopeSchema)
	if err != nil {
		log.Fatal().Err(err).Msg("could not initialize router")
	}
	router.Register(MsgTypeUpdateUserProfile, MsgVersion1_0, UpdateUserProfileV1Handler)
	if err := router.RegisterSchema(MsgTypeUpdateUserProfile, MsgVersion1_0, userProfileSchema); err != nil {
		log.Fatal().Err(err).Msg("could not register schema")
	}

	container, err := sqslistener.New(client, queueURL, router,
		sqslistener.WithConcurrency(10),
		sqslistener.WithPrefetching(5, 20),
		sqslistener.WithProcessingTimeout(30*time.Second),
		sqslistener.WithMiddleware(middleware.AutoExtendVisibility(middleware.VisibilityConfig{
			Timeout: 30 * time.Second,
			Buffer:  5 * time.Second,
		})),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("could not create container")
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	if err := container.Start(); err != nil {
		log.Fatal().Err(err).Msg("could not start container")
	}

	sig := <-shutdown
	log.Info().Stringer("signal", sig).Msg("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := container.Stop(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
	}
	log.Info().Msg("application has shut down")
}
