package ai

import "context"

// Message roles understood by every backend.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FailureSignalField is the JSON field every response schema must carry. A non-empty
// value is how the assessor reports that it cannot comply with a request.
const FailureSignalField = "custom_error"

// Image is an inline attachment carried by a user message.
type Image struct {
	MIMEType string
	Data     []byte
}

// Message is a single role-tagged entry of an assessor conversation.
type Message struct {
	Role   string
	Text   string
	Images []Image
}

// Reporter is implemented by every response type. FailureSignal returns the value of the
// custom_error field.
type Reporter interface {
	FailureSignal() string
}

// Request is what the client hands to a backend.
type Request struct {
	Model    string
	Messages []Message
	Schema   *Schema
}

// Response holds the raw structured payload returned by a backend.
type Response struct {
	Content []byte
	Refusal string
	Usage   map[string]int
}

// Backend transports a structured request to a concrete reasoning service.
type Backend interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}
