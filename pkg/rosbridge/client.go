package rosbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-tagpose/internal/httpc"
)

const (
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
)

type callResult struct {
	resp *incoming
	err  error
}

// Client provides topics, services and parameters over one rosbridge session.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	conn    *websocket.Conn
	closed  bool
	pending map[string]chan callResult
	subs    map[string]map[string]*Subscription // topic -> id -> sub
	pubs    map[string]*Publisher               // id -> publisher
	lost    chan struct{}                       // closed when the session ends

	writeMu sync.Mutex

	// Stats
	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	callsMade        atomic.Int64
	dropped          atomic.Int64
	reconnectCount   atomic.Int64
}

// New creates a new rosbridge client.
// Call Connect() to establish the session.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		cfg:     cfg,
		logger:  logger.With("component", "rosbridge"),
		pending: make(map[string]chan callResult),
		subs:    make(map[string]map[string]*Subscription),
		pubs:    make(map[string]*Publisher),
	}, nil
}

// Connect establishes the WebSocket session and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	if c.conn != nil {
		return nil // Already connected
	}

	c.logger.Info("connecting to rosbridge", "url", c.cfg.URL)

	dialer := websocket.Dialer{
		NetDialContext:   httpc.NewDialer().DialContext,
		HandshakeTimeout: handshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to rosbridge: %w", err)
	}

	c.conn = conn
	c.lost = make(chan struct{})
	go c.readLoop(conn)

	c.logger.Info("connected to rosbridge", "url", c.cfg.URL)
	return nil
}

// ConnectWithRetry connects with automatic retry on failure.
func (c *Client) ConnectWithRetry(ctx context.Context) error {
	attempts := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := c.Connect(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrClosed) {
			return err
		}

		attempts++
		c.reconnectCount.Add(1)

		if c.cfg.MaxReconnectAttempts > 0 && attempts >= c.cfg.MaxReconnectAttempts {
			return fmt.Errorf("max reconnect attempts (%d) reached: %w", c.cfg.MaxReconnectAttempts, err)
		}

		c.logger.Warn("rosbridge connection failed, retrying",
			"error", err,
			"attempt", attempts,
			"retry_in", c.cfg.ReconnectInterval,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectInterval):
		}
	}
}

// Done returns a channel closed when the current session ends, by Close or
// by losing the connection. It is nil before the first Connect.
func (c *Client) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lost
}

// IsConnected returns true if the client has a live session.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.closed
}

// CallService calls a ROS service and decodes its values into reply.
// reply may be nil when the response carries nothing of interest.
func (c *Client) CallService(ctx context.Context, service string, args, reply any) error {
	if c.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}

	if args == nil {
		args = struct{}{}
	}

	id := newID(OpCallService, service)
	ch := make(chan callResult, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.callsMade.Add(1)
	if err := c.writeJSON(callServiceOp{Op: OpCallService, ID: id, Service: service, Args: args}); err != nil {
		return fmt.Errorf("failed to call %s: %w", service, err)
	}

	var res callResult
	select {
	case res = <-ch:
	case <-ctx.Done():
		return fmt.Errorf("call %s: %w", service, ctx.Err())
	}

	if res.err != nil {
		return fmt.Errorf("call %s: %w", service, res.err)
	}
	if !res.resp.succeeded() {
		return &ServiceError{Service: service, Message: res.resp.failureText()}
	}
	if reply != nil && len(res.resp.Values) > 0 {
		if err := json.Unmarshal(res.resp.Values, reply); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", service, err)
		}
	}
	return nil
}

// GetParam reads a parameter from the ROS parameter server through rosapi.
// The value is returned as raw JSON.
func (c *Client) GetParam(ctx context.Context, name string) (json.RawMessage, error) {
	var resp struct {
		Value string `json:"value"`
	}
	args := map[string]string{"name": name}
	if err := c.CallService(ctx, ServiceGetParam, args, &resp); err != nil {
		return nil, err
	}
	if resp.Value == "" || resp.Value == "null" {
		return nil, fmt.Errorf("%s: %w", name, ErrParamNotFound)
	}
	return json.RawMessage(resp.Value), nil
}

// Services lists the services currently known to the ROS master.
func (c *Client) Services(ctx context.Context) ([]string, error) {
	var resp struct {
		Services []string `json:"services"`
	}
	if err := c.CallService(ctx, ServiceServices, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Services, nil
}

// WaitForService blocks until the service is advertised or ctx is done.
// Lookup errors are retried since rosapi may come up after rosbridge.
func (c *Client) WaitForService(ctx context.Context, service string) error {
	logged := false
	for {
		services, err := c.Services(ctx)
		switch {
		case err == nil && slices.Contains(services, service):
			return nil
		case errors.Is(err, ErrClosed):
			return fmt.Errorf("wait for %s: %w", service, err)
		case err != nil:
			c.logger.Debug("service lookup failed", "service", service, "error", err)
		case !logged:
			c.logger.Info("waiting for service", "service", service)
			logged = true
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for %s: %w", service, ctx.Err())
		case <-time.After(c.cfg.ServicePollInterval):
		}
	}
}

// Subscribe registers handler for every message published on topic.
// The handler runs on the read loop and must not block.
func (c *Client) Subscribe(ctx context.Context, topic, msgType string, handler func(msg json.RawMessage)) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &Subscription{
		client:  c,
		id:      newID(OpSubscribe, topic),
		topic:   topic,
		handler: handler,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.subs[topic] == nil {
		c.subs[topic] = make(map[string]*Subscription)
	}
	c.subs[topic][sub.id] = sub
	c.mu.Unlock()

	op := subscribeOp{
		Op:    OpSubscribe,
		ID:    sub.id,
		Topic: topic,
		Type:  msgType,
	}
	if c.cfg.Compression == CompressionCBOR {
		op.Compression = CompressionCBOR
	}
	if err := c.writeJSON(op); err != nil {
		c.removeSub(sub)
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	c.logger.Debug("subscribed to topic", "topic", topic, "type", msgType)
	return sub, nil
}

// Advertise announces a topic and returns a publisher whose queue holds at
// most queueSize unsent messages. queueSize <= 0 selects DefaultQueueSize.
func (c *Client) Advertise(ctx context.Context, topic, msgType string, queueSize int) (*Publisher, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	pub := newPublisher(c, newID(OpAdvertise, topic), topic, queueSize)

	if err := c.writeJSON(advertiseOp{
		Op:        OpAdvertise,
		ID:        pub.id,
		Topic:     topic,
		Type:      msgType,
		QueueSize: queueSize,
	}); err != nil {
		return nil, fmt.Errorf("failed to advertise %s: %w", topic, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pubs[pub.id] = pub
	c.mu.Unlock()

	pub.start()

	c.logger.Debug("advertised topic", "topic", topic, "type", msgType, "queue_size", queueSize)
	return pub, nil
}

func (c *Client) removeSub(sub *Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	byID, ok := c.subs[sub.topic]
	if !ok {
		return false
	}
	if _, ok := byID[sub.id]; !ok {
		return false
	}
	delete(byID, sub.id)
	if len(byID) == 0 {
		delete(c.subs, sub.topic)
	}
	return true
}

func (c *Client) removePub(pub *Publisher) {
	c.mu.Lock()
	delete(c.pubs, pub.id)
	c.mu.Unlock()
}

func (c *Client) writeJSON(v any) error {
	c.mu.RLock()
	conn := c.conn
	closed := c.closed
	c.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(v); err != nil {
		return err
	}
	c.messagesSent.Add(1)
	return nil
}

// readLoop owns all reads from conn until it fails.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.dropConnection(conn, err)
			return
		}

		if msgType == websocket.BinaryMessage {
			data, err = cborToJSON(data)
			if err != nil {
				c.logger.Warn("dropping undecodable binary message", "error", err)
				continue
			}
		}

		c.messagesReceived.Add(1)
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	in, err := parseIncoming(data)
	if err != nil {
		c.logger.Warn("dropping malformed message", "error", err)
		return
	}

	switch in.Op {
	case OpServiceResponse:
		c.mu.RLock()
		ch, ok := c.pending[in.ID]
		c.mu.RUnlock()
		if !ok {
			c.logger.Debug("response for unknown call", "id", in.ID, "service", in.Service)
			return
		}
		select {
		case ch <- callResult{resp: in}:
		default:
			c.logger.Debug("duplicate response", "id", in.ID)
		}

	case OpPublish:
		c.mu.RLock()
		handlers := make([]func(json.RawMessage), 0, len(c.subs[in.Topic]))
		for _, sub := range c.subs[in.Topic] {
			handlers = append(handlers, sub.handler)
		}
		c.mu.RUnlock()
		for _, h := range handlers {
			h(in.Msg)
		}

	case OpStatus:
		var text string
		_ = json.Unmarshal(in.Msg, &text)
		switch in.Level {
		case "error":
			c.logger.Error("rosbridge status", "id", in.ID, "msg", text)
		case "warning":
			c.logger.Warn("rosbridge status", "id", in.ID, "msg", text)
		default:
			c.logger.Debug("rosbridge status", "id", in.ID, "level", in.Level, "msg", text)
		}

	default:
		c.logger.Debug("ignoring op", "op", in.Op)
	}
}

// dropConnection fails every pending call once conn is gone.
func (c *Client) dropConnection(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	closed := c.closed
	pending := c.pending
	c.pending = make(map[string]chan callResult)
	close(c.lost)
	c.mu.Unlock()

	conn.Close()

	for _, ch := range pending {
		select {
		case ch <- callResult{err: fmt.Errorf("%w: %v", ErrClosed, cause)}:
		default:
		}
	}

	if !closed {
		c.logger.Warn("rosbridge connection lost", "error", cause)
	}
}

// Close closes every publisher and the session.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	pubs := make([]*Publisher, 0, len(c.pubs))
	for _, p := range c.pubs {
		pubs = append(pubs, p)
	}
	c.mu.Unlock()

	// Publishers flush and unadvertise while the session is still up.
	for _, p := range pubs {
		if err := p.Close(); err != nil {
			c.logger.Debug("error closing publisher", "topic", p.topic, "error", err)
		}
	}

	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.dropConnection(conn, ErrClosed)
	}

	c.logger.Info("rosbridge client closed")
	return nil
}

// Stats returns client statistics.
func (c *Client) Stats() ClientStats {
	c.mu.RLock()
	connected := c.conn != nil && !c.closed
	subscriptions := 0
	for _, byID := range c.subs {
		subscriptions += len(byID)
	}
	publishers := len(c.pubs)
	topics := make(map[string]PublisherStats, len(c.pubs))
	for _, p := range c.pubs {
		topics[p.Topic()] = p.Stats()
	}
	c.mu.RUnlock()

	return ClientStats{
		Connected:        connected,
		Subscriptions:    subscriptions,
		Publishers:       publishers,
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		ServiceCalls:     c.callsMade.Load(),
		Dropped:          c.dropped.Load(),
		ReconnectCount:   c.reconnectCount.Load(),
		Topics:           topics,
	}
}

// ClientStats contains client statistics.
type ClientStats struct {
	Connected        bool  `json:"connected"`
	Subscriptions    int   `json:"subscriptions"`
	Publishers       int   `json:"publishers"`
	MessagesSent     int64 `json:"messages_sent"`
	MessagesReceived int64 `json:"messages_received"`
	ServiceCalls     int64 `json:"service_calls"`
	Dropped          int64 `json:"dropped"`
	ReconnectCount   int64 `json:"reconnect_count"`

	// Topics holds per-publisher queue counters by advertised topic.
	Topics map[string]PublisherStats `json:"topics,omitempty"`
}
