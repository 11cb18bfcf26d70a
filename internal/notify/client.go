package notify

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"study-notify/internal/models"
)

// Transport is the minimal connection surface the client needs. A gorilla
// *websocket.Conn satisfies it directly.
type Transport interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// TransportFactory dials a fresh transport. It is called once per connection
// attempt; returning an error triggers a backoff and retry.
type TransportFactory func(ctx context.Context) (Transport, error)

// WebsocketTransportFactory dials the hub's websocket endpoint.
func WebsocketTransportFactory(url string) TransportFactory {
	return func(ctx context.Context) (Transport, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Callbacks are the client's outward surface. Nil callbacks are skipped.
// They are invoked from the client's internal goroutines; implementations
// must not call back into the client synchronously from OnJobCompleted or
// OnJobFailed while holding their own locks.
type Callbacks struct {
	OnConnect      func()
	OnDisconnect   func()
	OnJobProgress  func(ev models.JobEvent)
	OnJobCompleted func(ev models.JobEvent)
	OnJobFailed    func(ev models.JobEvent)
}

type clientState int

const (
	stateDisconnected clientState = iota
	stateConnecting
	stateConnected
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// OwnerID scopes the session; the client always joins the owner room.
	OwnerID string

	// Dial produces transports for the push channel.
	Dial TransportFactory

	// Store backs the polling fallback. Optional: without it the client
	// simply has no fallback while disconnected.
	Store JobReader

	// PollInterval is the fallback cadence. Zero means 3s.
	PollInterval time.Duration

	// TerminalGrace is how long job tracking state survives after a
	// terminal event, absorbing stray duplicate deliveries. Zero means 2s.
	TerminalGrace time.Duration

	Logger zerolog.Logger
}

// Client is the connection manager a consumer embeds. It owns one push
// connection, reconnects with exponential backoff, falls back to polling
// while disconnected, and guarantees at most one terminal callback per
// tracked job across transport changes.
type Client struct {
	ownerID       string
	dial          TransportFactory
	poller        *Poller
	terminalGrace time.Duration
	log           zerolog.Logger

	mu         sync.Mutex
	state      clientState
	transport  Transport
	registry   *subscriptionRegistry
	callbacks  Callbacks
	generation uint64

	trackedJob   string
	terminalSeen bool
	progress     int

	runCancel context.CancelFunc
	closed    bool
}

// NewClient builds a client. It does not connect; call Connect.
func NewClient(opts ClientOptions) *Client {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.TerminalGrace <= 0 {
		opts.TerminalGrace = 2 * time.Second
	}
	c := &Client{
		ownerID:       opts.OwnerID,
		dial:          opts.Dial,
		terminalGrace: opts.TerminalGrace,
		log:           opts.Logger.With().Str("component", "client").Str("owner_id", opts.OwnerID).Logger(),
		registry:      newSubscriptionRegistry(),
	}
	if opts.Store != nil {
		c.poller = NewPoller(opts.Store, opts.PollInterval, c.pollEvent, opts.Logger)
	}
	return c
}

// On registers the callback set. Call before Connect; later registrations
// replace the previous set atomically.
func (c *Client) On(cb Callbacks) {
	c.mu.Lock()
	c.callbacks = cb
	c.mu.Unlock()
}

// Connect starts the connection loop. Calling it while already connecting or
// connected is a no-op.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.closed || c.state != stateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = stateConnecting
	ctx, cancel := context.WithCancel(context.Background())
	c.runCancel = cancel
	c.mu.Unlock()

	go c.runConnectLoop(ctx)
}

// Close tears the client down. Tracked state is discarded and no further
// callbacks fire.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = stateDisconnected
	c.generation++
	cancel := c.runCancel
	c.runCancel = nil
	t := c.transport
	c.transport = nil
	c.trackedJob = ""
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if t != nil {
		_ = t.Close()
	}
	if c.poller != nil {
		c.poller.Stop()
	}
}

func (c *Client) runConnectLoop(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 15 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		t, err := c.dial(ctx)
		if err != nil {
			wait := bo.NextBackOff()
			c.log.Warn().Err(err).Dur("retry_in", wait).Msg("push channel dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()

		if !c.onConnected(t) {
			_ = t.Close()
			return
		}
		c.readLoop(ctx, t)
		if !c.onDisconnected(t) {
			return
		}
	}
}

// onConnected installs the transport, replays subscriptions and stops the
// polling fallback. Returns false when the client was closed underneath us.
func (c *Client) onConnected(t Transport) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.state = stateConnected
	c.transport = t
	cb := c.callbacks
	c.mu.Unlock()

	c.log.Info().Msg("push channel connected")
	if cb.OnConnect != nil {
		cb.OnConnect()
	}

	// Owner room first, then every room subscribed while offline. Replay
	// before stopping the poller so there is no window with neither path.
	c.subscribeRoom(t, OwnerRoom(c.ownerID))
	for _, room := range c.registry.pendingRooms() {
		c.subscribeRoom(t, room)
	}
	if c.poller != nil {
		c.poller.Stop()
	}
	return true
}

func (c *Client) subscribeRoom(t Transport, room string) {
	if err := t.WriteJSON(Command{Action: ActionSubscribe, Room: room}); err != nil {
		c.log.Warn().Err(err).Str("room", room).Msg("subscribe write failed")
		return
	}
	c.registry.markActive(room)
}

func (c *Client) readLoop(ctx context.Context, t Transport) {
	for {
		var env Envelope
		if err := t.ReadJSON(&env); err != nil {
			if ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("push channel read failed")
			}
			return
		}
		if env.Type != EnvelopeJobEvent || env.Event == nil {
			continue
		}
		// Push-path events carry no generation: the jobID and terminal
		// checks in apply are sufficient because a live transport always
		// reflects current subscriptions.
		c.apply(*env.Event, 0)
	}
}

// onDisconnected handles a dropped transport. Returns false when the loop
// should not reconnect because the client is closed. Only the transport that
// is actually installed may transition the state; a stale reader racing a
// fresh connection must not knock the new transport over.
func (c *Client) onDisconnected(t Transport) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if c.transport != t {
		c.mu.Unlock()
		return true
	}
	c.state = stateConnecting
	c.transport = nil
	trackedJob := c.trackedJob
	terminalSeen := c.terminalSeen
	cb := c.callbacks
	c.mu.Unlock()

	_ = t.Close()
	c.registry.clearActive()
	c.log.Warn().Msg("push channel disconnected")
	if cb.OnDisconnect != nil {
		cb.OnDisconnect()
	}

	if c.poller != nil && trackedJob != "" && !terminalSeen {
		c.poller.Start(trackedJob)
	}
	return true
}

// TrackJob starts following a job's progress. Tracking a new job supersedes
// the previous one; events for the old job are dropped from that point on.
func (c *Client) TrackJob(jobID string) {
	c.mu.Lock()
	if c.closed || jobID == "" {
		c.mu.Unlock()
		return
	}
	if c.trackedJob == jobID && !c.terminalSeen {
		c.mu.Unlock()
		return
	}
	c.generation++
	c.trackedJob = jobID
	c.terminalSeen = false
	c.progress = 0
	t := c.transport
	connected := c.state == stateConnected
	c.mu.Unlock()

	room := JobRoom(jobID)
	c.registry.add(room)

	if connected && t != nil {
		if c.poller != nil {
			c.poller.Stop()
		}
		c.subscribeRoom(t, room)
		return
	}
	// No transport right now. The fallback starts immediately rather than
	// waiting for a tick so a job tracked while offline still shows its
	// current state promptly.
	if c.poller != nil {
		c.poller.Start(jobID)
	}
}

// StopTracking abandons the current job. Safe in any connection state and a
// no-op when nothing is tracked.
func (c *Client) StopTracking() {
	c.mu.Lock()
	jobID := c.trackedJob
	if c.closed || jobID == "" {
		c.mu.Unlock()
		return
	}
	c.generation++
	c.trackedJob = ""
	c.terminalSeen = false
	t := c.transport
	connected := c.state == stateConnected
	c.mu.Unlock()

	room := JobRoom(jobID)
	c.registry.remove(room)
	if connected && t != nil {
		_ = t.WriteJSON(Command{Action: ActionUnsubscribe, Room: room})
	}
	if c.poller != nil {
		c.poller.Stop()
	}
}

// pollEvent feeds fallback events into the same apply path as push events,
// bound to the generation current when polling observed them.
func (c *Client) pollEvent(ev models.JobEvent) {
	c.mu.Lock()
	gen := c.generation
	c.mu.Unlock()
	c.apply(ev, gen)
}

// apply is the single funnel for events from both delivery paths. gen is 0
// for push deliveries; for polled deliveries it must match the current
// generation or the event is stale and dropped.
func (c *Client) apply(ev models.JobEvent, gen uint64) {
	c.mu.Lock()
	if c.closed || ev.JobID != c.trackedJob {
		c.mu.Unlock()
		return
	}
	if gen != 0 && gen != c.generation {
		c.mu.Unlock()
		return
	}
	if c.terminalSeen {
		c.mu.Unlock()
		return
	}
	// Out-of-order or polled-then-pushed duplicates must never walk the
	// progress bar backwards.
	if !ev.Terminal() && ev.Progress < c.progress {
		c.mu.Unlock()
		return
	}
	if ev.Progress > c.progress {
		c.progress = ev.Progress
	}
	cb := c.callbacks
	if ev.Terminal() {
		c.terminalSeen = true
		c.scheduleTerminalClear(ev.JobID, c.generation)
	}
	c.mu.Unlock()

	switch ev.Kind() {
	case models.KindCompleted:
		if cb.OnJobCompleted != nil {
			cb.OnJobCompleted(ev)
		}
	case models.KindFailed:
		if cb.OnJobFailed != nil {
			cb.OnJobFailed(ev)
		}
	default:
		if cb.OnJobProgress != nil {
			cb.OnJobProgress(ev)
		}
	}
}

// scheduleTerminalClear clears tracking state a grace period after the
// terminal event. The generation guard means a TrackJob issued during the
// grace window wins and the timer becomes a no-op. Caller holds c.mu.
func (c *Client) scheduleTerminalClear(jobID string, gen uint64) {
	time.AfterFunc(c.terminalGrace, func() {
		c.mu.Lock()
		if c.closed || c.generation != gen || c.trackedJob != jobID {
			c.mu.Unlock()
			return
		}
		c.trackedJob = ""
		c.terminalSeen = false
		c.progress = 0
		t := c.transport
		connected := c.state == stateConnected
		c.mu.Unlock()

		room := JobRoom(jobID)
		c.registry.remove(room)
		if connected && t != nil {
			_ = t.WriteJSON(Command{Action: ActionUnsubscribe, Room: room})
		}
	})
}

// IsConnected reports whether the push channel is live.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}

// UsingPolling reports whether the fallback poller is currently active.
func (c *Client) UsingPolling() bool {
	return c.poller != nil && c.poller.Running()
}

// TrackedJob returns the job currently being followed, if any.
func (c *Client) TrackedJob() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trackedJob
}

// CurrentProgress returns the latest progress observed for the tracked job.
func (c *Client) CurrentProgress() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}
