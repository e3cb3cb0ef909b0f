package rosbridge

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Op identifies a rosbridge protocol operation.
type Op string

const (
	// Client → server
	OpCallService Op = "call_service"
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpAdvertise   Op = "advertise"
	OpUnadvertise Op = "unadvertise"

	// Server → client
	OpServiceResponse Op = "service_response"
	OpStatus          Op = "status"

	// Bidirectional
	OpPublish Op = "publish"
)

// rosapi services used for parameters and discovery.
const (
	ServiceGetParam = "/rosapi/get_param"
	ServiceServices = "/rosapi/services"
)

type callServiceOp struct {
	Op      Op     `json:"op"`
	ID      string `json:"id"`
	Service string `json:"service"`
	Args    any    `json:"args,omitempty"`
}

type subscribeOp struct {
	Op          Op     `json:"op"`
	ID          string `json:"id"`
	Topic       string `json:"topic"`
	Type        string `json:"type,omitempty"`
	QueueLength int    `json:"queue_length,omitempty"`
	Compression string `json:"compression,omitempty"`
}

type unsubscribeOp struct {
	Op    Op     `json:"op"`
	ID    string `json:"id"`
	Topic string `json:"topic"`
}

type advertiseOp struct {
	Op        Op     `json:"op"`
	ID        string `json:"id"`
	Topic     string `json:"topic"`
	Type      string `json:"type"`
	QueueSize int    `json:"queue_size,omitempty"`
}

type unadvertiseOp struct {
	Op    Op     `json:"op"`
	ID    string `json:"id"`
	Topic string `json:"topic"`
}

type publishOp struct {
	Op    Op              `json:"op"`
	Topic string          `json:"topic"`
	Msg   json.RawMessage `json:"msg"`
}

// incoming is the union of fields the server sends back. For status ops
// Msg holds a JSON string rather than a message.
type incoming struct {
	Op      Op              `json:"op"`
	ID      string          `json:"id,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Service string          `json:"service,omitempty"`
	Msg     json.RawMessage `json:"msg,omitempty"`
	Values  json.RawMessage `json:"values,omitempty"`
	Result  *bool           `json:"result,omitempty"`
	Level   string          `json:"level,omitempty"`
}

func parseIncoming(data []byte) (*incoming, error) {
	var in incoming
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if in.Op == "" {
		return nil, fmt.Errorf("message has no op")
	}
	return &in, nil
}

// succeeded reports the service_response outcome. Older rosbridge servers
// omit "result" and only answer successful calls.
func (in *incoming) succeeded() bool {
	return in.Result == nil || *in.Result
}

// failureText extracts the error text of a failed service_response.
func (in *incoming) failureText() string {
	var s string
	if err := json.Unmarshal(in.Values, &s); err == nil {
		return s
	}
	return string(in.Values)
}

func newID(op Op, name string) string {
	return fmt.Sprintf("%s:%s:%s", op, name, uuid.NewString())
}
