package rosbridge

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize matches the rospy publisher queue used for transforms.
const DefaultQueueSize = 50

// Subscription is a live topic subscription.
type Subscription struct {
	client  *Client
	id      string
	topic   string
	handler func(msg json.RawMessage)
}

// Unsubscribe stops delivery and tells the server. Safe to call twice.
func (s *Subscription) Unsubscribe() error {
	if !s.client.removeSub(s) {
		return nil
	}
	if err := s.client.writeJSON(unsubscribeOp{Op: OpUnsubscribe, ID: s.id, Topic: s.topic}); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", s.topic, err)
	}
	s.client.logger.Debug("unsubscribed from topic", "topic", s.topic)
	return nil
}

// Publisher sends messages on an advertised topic. Publish never waits on
// the network: messages go into a bounded queue drained in order by a
// background goroutine. When the queue is full the oldest unsent message
// is dropped.
type Publisher struct {
	client   *Client
	id       string
	topic    string
	capacity int

	mu     sync.Mutex
	queue  []json.RawMessage
	closed bool

	notify  chan struct{}
	done    chan struct{}
	stopped chan struct{}

	// Stats
	sent    atomic.Int64
	dropped atomic.Int64
}

func newPublisher(client *Client, id, topic string, capacity int) *Publisher {
	return &Publisher{
		client:   client,
		id:       id,
		topic:    topic,
		capacity: capacity,
		queue:    make([]json.RawMessage, 0, capacity),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

func (p *Publisher) start() {
	go p.drain()
}

// Topic returns the advertised topic.
func (p *Publisher) Topic() string {
	return p.topic
}

// Publish encodes msg and queues it for sending.
func (p *Publisher) Publish(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message for %s: %w", p.topic, err)
	}
	return p.enqueue(data)
}

func (p *Publisher) enqueue(data json.RawMessage) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if len(p.queue) >= p.capacity {
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.dropped.Add(1)
		if p.client != nil {
			p.client.dropped.Add(1)
		}
	}
	p.queue = append(p.queue, data)
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of queued, unsent messages.
func (p *Publisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Publisher) next() (json.RawMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil, false
	}
	msg := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	return msg, true
}

func (p *Publisher) flush() {
	for {
		msg, ok := p.next()
		if !ok {
			return
		}
		if err := p.client.writeJSON(publishOp{Op: OpPublish, Topic: p.topic, Msg: msg}); err != nil {
			p.client.logger.Debug("publish failed", "topic", p.topic, "error", err)
			continue
		}
		p.sent.Add(1)
	}
}

func (p *Publisher) drain() {
	defer close(p.stopped)
	for {
		select {
		case <-p.done:
			p.flush()
			return
		case <-p.notify:
			p.flush()
		}
	}
}

// Close flushes queued messages and unadvertises the topic.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.done)
	<-p.stopped
	p.client.removePub(p)

	if err := p.client.writeJSON(unadvertiseOp{Op: OpUnadvertise, ID: p.id, Topic: p.topic}); err != nil {
		return fmt.Errorf("failed to unadvertise %s: %w", p.topic, err)
	}
	return nil
}

// Stats returns publisher statistics.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Sent:    p.sent.Load(),
		Dropped: p.dropped.Load(),
		Pending: p.Pending(),
	}
}

// PublisherStats contains publisher statistics.
type PublisherStats struct {
	Sent    int64 `json:"sent"`
	Dropped int64 `json:"dropped"`
	Pending int   `json:"pending"`
}
