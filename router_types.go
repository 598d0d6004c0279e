package sqslistener

import (
	"context"
	"encoding/json"

	"github.com/hatsunemiku3939/sqslistener/pkg/jsonschema"
	"github.com/hatsunemiku3939/sqslistener/types"
)

// HandlerResult is what a MessageHandler decided about a message.
type HandlerResult struct {
	// ShouldDelete removes the message from the queue. Leave it false for
	// transient errors so the message is redelivered.
	ShouldDelete bool
	Error        error
}

// RoutedResult describes a routed message and the final decision about it.
type RoutedResult struct {
	MessageType    string
	MessageVersion string
	HandlerResult  HandlerResult
	MessageID      string
	Timestamp      string
}

// MessageHandler processes the payload of one message type and version.
type MessageHandler func(ctx context.Context, messageJSON []byte, metadataJSON []byte) HandlerResult

// RouteState is the per-message state passed through router middlewares.
// Fields are filled in by the routing core as it progresses.
type RouteState struct {
	Raw         []byte
	Envelope    *types.MessageEnvelope
	MetadataRaw json.RawMessage
	HandlerKey  types.HandlerKey
	Handler     MessageHandler
	Schema      *jsonschema.Schema
}

// RouteFunc is the routing step wrapped by middlewares.
type RouteFunc func(ctx context.Context, state *RouteState) (RoutedResult, error)

// RouteMiddleware wraps a RouteFunc.
type RouteMiddleware func(next RouteFunc) RouteFunc

// envelopeDoc mirrors types.MessageEnvelope but keeps the metadata raw so it
// can be handed to handlers unchanged.
type envelopeDoc struct {
	SchemaVersion  string          `json:"schemaVersion"`
	MessageType    string          `json:"messageType"`
	MessageVersion string          `json:"messageVersion"`
	Message        json.RawMessage `json:"message"`
	Metadata       json.RawMessage `json:"metadata"`
}

// EnvelopeSchema is the default schema for routed messages.
var EnvelopeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "schemaVersion": { "type": "string" },
    "messageType": { "type": "string" },
    "messageVersion": { "type": "string" },
    "message": { "type": "object" },
    "metadata": { "type": "object" }
  },
  "required": ["schemaVersion", "messageType", "messageVersion", "message", "metadata"]
}`
