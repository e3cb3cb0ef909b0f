package apriltag

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/teslashibe/go-tagpose/pkg/rosbridge"
)

// MockTransport implements Transport in memory for testing.
// Service responses travel through JSON like they would on the wire.
type MockTransport struct {
	// Params maps parameter names to values (encoded as JSON).
	Params map[string]any

	// Services lists reachable services. WaitForService blocks on any
	// other name until its context is done.
	Services map[string]bool

	// Handlers answer service calls. A missing handler answers with an
	// empty response.
	Handlers map[string]func(args any) (any, error)

	// Latched messages are delivered to every new subscriber of the topic,
	// in order, before Subscribe returns.
	Latched map[string][]any

	mu        sync.Mutex
	calls     []MockCall
	subs      map[string][]*mockSubscription
	published []any
	pubClosed bool
}

// MockCall records a service invocation.
type MockCall struct {
	Service string
	Args    any
}

type mockSubscription struct {
	m       *MockTransport
	topic   string
	handler func(json.RawMessage)
}

type mockPublisher struct {
	m     *MockTransport
	topic string
}

// NewMockTransport returns a transport where the namespace's parameter and
// both services are present and camera info is latched.
func NewMockTransport(namespace, cameraInfoTopic string, info any) *MockTransport {
	return &MockTransport{
		Params: map[string]any{
			"/" + namespace + "/camera_info_topic": cameraInfoTopic,
		},
		Services: map[string]bool{
			"/" + namespace + "/snap_picture":               true,
			"/" + namespace + "/single_image_tag_detection": true,
		},
		Handlers: make(map[string]func(args any) (any, error)),
		Latched: map[string][]any{
			cameraInfoTopic: {info},
		},
	}
}

// GetParam returns the JSON encoding of Params[name].
func (m *MockTransport) GetParam(_ context.Context, name string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.Params[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, rosbridge.ErrParamNotFound)
	}
	return json.Marshal(v)
}

// WaitForService returns once name is in Services.
func (m *MockTransport) WaitForService(ctx context.Context, name string) error {
	m.mu.Lock()
	ok := m.Services[name]
	m.mu.Unlock()
	if ok {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

// CallService records the call and answers it with Handlers[service].
func (m *MockTransport) CallService(_ context.Context, service string, args, reply any) error {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Service: service, Args: args})
	h := m.Handlers[service]
	m.mu.Unlock()

	if h == nil {
		return nil
	}
	values, err := h(args)
	if err != nil {
		return err
	}
	if reply == nil || values == nil {
		return nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, reply)
}

// Subscribe registers handler and replays latched messages to it.
func (m *MockTransport) Subscribe(ctx context.Context, topic, _ string, handler func(json.RawMessage)) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &mockSubscription{m: m, topic: topic, handler: handler}

	m.mu.Lock()
	if m.subs == nil {
		m.subs = make(map[string][]*mockSubscription)
	}
	m.subs[topic] = append(m.subs[topic], sub)
	latched := append([]any(nil), m.Latched[topic]...)
	m.mu.Unlock()

	for _, msg := range latched {
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, err
		}
		handler(data)
	}
	return sub, nil
}

// Advertise returns a publisher that records into Published.
func (m *MockTransport) Advertise(ctx context.Context, topic, _ string, _ int) (Publisher, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &mockPublisher{m: m, topic: topic}, nil
}

// Emit delivers msg to the current subscribers of topic.
func (m *MockTransport) Emit(topic string, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	m.mu.Lock()
	subs := append([]*mockSubscription(nil), m.subs[topic]...)
	m.mu.Unlock()

	for _, s := range subs {
		s.handler(data)
	}
	return nil
}

// Subscribers returns the number of live subscriptions on topic.
func (m *MockTransport) Subscribers(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[topic])
}

// Calls returns the recorded service calls in order.
func (m *MockTransport) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

// Published returns everything published, in order.
func (m *MockTransport) Published() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]any(nil), m.published...)
}

// PublisherClosed reports whether the publisher was closed.
func (m *MockTransport) PublisherClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pubClosed
}

func (s *mockSubscription) Unsubscribe() error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	subs := s.m.subs[s.topic]
	for i, other := range subs {
		if other == s {
			s.m.subs[s.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

func (p *mockPublisher) Publish(msg any) error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	if p.m.pubClosed {
		return rosbridge.ErrClosed
	}
	p.m.published = append(p.m.published, msg)
	return nil
}

func (p *mockPublisher) Close() error {
	p.m.mu.Lock()
	p.m.pubClosed = true
	p.m.mu.Unlock()
	return nil
}

var _ Transport = (*MockTransport)(nil)
