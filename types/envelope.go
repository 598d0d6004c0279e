package types

import (
	"context"
	"encoding/json"
)

// MessageEnvelope is the JSON body a Router expects. A Router is itself a
// Handler, so a Container hands it every message and the Router dispatches on
// MessageType and MessageVersion. Message reaches the selected
// MessageHandler unparsed.
type MessageEnvelope struct {
	SchemaVersion  string          `json:"schemaVersion"`
	MessageType    string          `json:"messageType"`
	MessageVersion string          `json:"messageVersion"`
	Message        json.RawMessage `json:"message"`
	Metadata       MessageMetadata `json:"metadata"`
}

// MessageMetadata is the metadata block of an envelope. The Router reports
// MessageID and Timestamp in every RoutedResult.
type MessageMetadata struct {
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
	MessageID string `json:"messageId"`
}

// HandlerKey identifies a registered route as "messageType:messageVersion".
type HandlerKey string

// RoutingPolicy picks the route for an envelope among the registered keys.
// An empty HandlerKey means no route matches and the message fails as
// unroutable.
type RoutingPolicy interface {
	Decide(ctx context.Context, envelope *MessageEnvelope, availableHandlers []HandlerKey) HandlerKey
}
