// Package protocol defines the wire contract of the broker: one JSON request
// and one JSON response per TCP connection, UTF-8, no length framing.
package protocol

// Action discriminates the operation carried by a request.
type Action string

const (
	ActionRegister  Action = "register"
	ActionSend      Action = "send"
	ActionBroadcast Action = "broadcast"
	ActionCheck     Action = "check"
	ActionList      Action = "list"
	ActionRename    Action = "rename"
)

// Known reports whether a is one of the actions defined above.
func (a Action) Known() bool {
	switch a {
	case ActionRegister, ActionSend, ActionBroadcast, ActionCheck, ActionList, ActionRename:
		return true
	}
	return false
}

// Response status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Framing and payload caps.
//
// The server reads a request in a single recv of at most MaxRequestBytes;
// anything larger is a protocol violation. Clients read responses with a
// single recv capped at MaxResponseBytes (a full check of 100 messages with
// summarized content fits).
const (
	MaxRequestBytes  = 4096
	MaxResponseBytes = 64 * 1024
)

// LargeContentBytes is the spill threshold: message content strictly larger
// than this is written to a large-message file and replaced by a summary.
const LargeContentBytes = 10 * 1024

// MaxQueueLen caps pending messages per recipient.
const MaxQueueLen = 100

// TimestampLayout is the broker-local ISO-8601 timestamp attached to every
// queued message at enqueue time.
const TimestampLayout = "2006-01-02T15:04:05.000000"

// Request is the single JSON object a client writes per connection.
// Which fields are required depends on Action; see the handler table in the
// broker package. For authenticated actions the server overwrites FromID,
// InstanceID and OldID with the identity bound to SessionToken, so clients
// cannot impersonate other instances.
type Request struct {
	Action       Action   `json:"action"`
	InstanceID   string   `json:"instance_id,omitempty"`
	FromID       string   `json:"from_id,omitempty"`
	ToID         string   `json:"to_id,omitempty"`
	OldID        string   `json:"old_id,omitempty"`
	NewID        string   `json:"new_id,omitempty"`
	AuthToken    string   `json:"auth_token,omitempty"`
	SessionToken string   `json:"session_token,omitempty"`
	Message      *Payload `json:"message,omitempty"`
}

// Payload is the sender-supplied message body: text content plus an optional
// opaque JSON object the broker passes through untouched (except for the
// spill metadata keys large_message_file and original_size_kb).
type Payload struct {
	Content string         `json:"content"`
	Data    map[string]any `json:"data,omitempty"`
}

// Delivered is one queued message as drained by check, in enqueue order.
type Delivered struct {
	From      string  `json:"from"`
	To        string  `json:"to"`
	Timestamp string  `json:"timestamp"`
	Message   Payload `json:"message"`
}

// InstanceInfo is one row of a list response.
type InstanceInfo struct {
	ID       string `json:"id"`
	LastSeen string `json:"last_seen"`
}

// Per-action response shapes. Responses are tagged variants rather than one
// kitchen-sink struct so that encoding a response emits exactly the fields
// the action defines (a drained check still carries "messages": []).

// ErrorResponse is the uniform failure shape for every action.
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// OKResponse answers send, broadcast and rename.
type OKResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// RegisterResponse carries the raw session token, returned exactly once.
type RegisterResponse struct {
	Status       string `json:"status"`
	SessionToken string `json:"session_token"`
	Message      string `json:"message"`
}

// CheckResponse carries the drained queue (possibly empty, never null).
type CheckResponse struct {
	Status   string      `json:"status"`
	Messages []Delivered `json:"messages"`
}

// ListResponse carries the active-instance table.
type ListResponse struct {
	Status    string         `json:"status"`
	Instances []InstanceInfo `json:"instances"`
}

// Response is the tolerant client-side union of all response variants.
type Response struct {
	Status       string         `json:"status"`
	Message      string         `json:"message,omitempty"`
	SessionToken string         `json:"session_token,omitempty"`
	Messages     []Delivered    `json:"messages,omitempty"`
	Instances    []InstanceInfo `json:"instances,omitempty"`
}

// OK reports whether the response carries status "ok".
func (r *Response) OK() bool {
	return r.Status == StatusOK
}

// Err builds the uniform error variant.
func Err(message string) ErrorResponse {
	return ErrorResponse{Status: StatusError, Message: message}
}

// OK builds the plain success variant.
func OK(message string) OKResponse {
	return OKResponse{Status: StatusOK, Message: message}
}
