package apriltag

import (
	"context"
	"encoding/json"

	"github.com/teslashibe/go-tagpose/pkg/rosbridge"
)

// Subscription is a live topic subscription.
type Subscription interface {
	Unsubscribe() error
}

// Publisher sends messages on an advertised topic without waiting for
// delivery.
type Publisher interface {
	Publish(msg any) error
	Close() error
}

// ParamGetter resolves namespaced configuration values.
type ParamGetter interface {
	GetParam(ctx context.Context, name string) (json.RawMessage, error)
}

// ServiceWaiter blocks until a remote service is reachable.
type ServiceWaiter interface {
	WaitForService(ctx context.Context, service string) error
}

// ServiceCaller invokes a remote service synchronously.
type ServiceCaller interface {
	CallService(ctx context.Context, service string, args, reply any) error
}

// TopicSubscriber delivers messages published on a topic.
type TopicSubscriber interface {
	Subscribe(ctx context.Context, topic, msgType string, handler func(msg json.RawMessage)) (Subscription, error)
}

// TopicAdvertiser opens a publisher on a topic.
type TopicAdvertiser interface {
	Advertise(ctx context.Context, topic, msgType string, queueSize int) (Publisher, error)
}

// Transport is everything the Interface needs from the robot middleware.
type Transport interface {
	ParamGetter
	ServiceWaiter
	ServiceCaller
	TopicSubscriber
	TopicAdvertiser
}

// rosbridgeTransport adapts a rosbridge client to Transport.
type rosbridgeTransport struct {
	*rosbridge.Client
}

// FromRosbridge wraps an already connected rosbridge client. The caller keeps
// ownership: closing the Interface does not close the client.
func FromRosbridge(c *rosbridge.Client) Transport {
	return rosbridgeTransport{Client: c}
}

func (t rosbridgeTransport) Subscribe(ctx context.Context, topic, msgType string, handler func(msg json.RawMessage)) (Subscription, error) {
	sub, err := t.Client.Subscribe(ctx, topic, msgType, handler)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (t rosbridgeTransport) Advertise(ctx context.Context, topic, msgType string, queueSize int) (Publisher, error) {
	pub, err := t.Client.Advertise(ctx, topic, msgType, queueSize)
	if err != nil {
		return nil, err
	}
	return pub, nil
}

var _ Transport = rosbridgeTransport{}
