package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"study-notify/internal/models"
)

// fakeTransport is an in-memory push channel endpoint. The test pushes
// envelopes into incoming; commands the client writes are recorded.
type fakeTransport struct {
	incoming  chan Envelope
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written []Command
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		incoming: make(chan Envelope, 16),
		closed:   make(chan struct{}),
	}
}

func (f *fakeTransport) ReadJSON(v any) error {
	select {
	case env := <-f.incoming:
		*(v.(*Envelope)) = env
		return nil
	case <-f.closed:
		return errors.New("transport closed")
	}
}

func (f *fakeTransport) WriteJSON(v any) error {
	select {
	case <-f.closed:
		return errors.New("transport closed")
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, v.(Command))
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) pushEvent(room string, ev models.JobEvent) {
	f.incoming <- Envelope{Type: EnvelopeJobEvent, Room: room, Event: &ev}
}

func (f *fakeTransport) commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Command, len(f.written))
	copy(out, f.written)
	return out
}

func (f *fakeTransport) wroteCommand(action, room string) bool {
	for _, cmd := range f.commands() {
		if cmd.Action == action && cmd.Room == room {
			return true
		}
	}
	return false
}

// fakeDialer hands out fakeTransports, optionally refusing until told
// otherwise.
type fakeDialer struct {
	mu         sync.Mutex
	refuse     bool
	transports []*fakeTransport
}

func (d *fakeDialer) dial(_ context.Context) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refuse {
		return nil, errors.New("dial refused")
	}
	t := newFakeTransport()
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) setRefuse(v bool) {
	d.mu.Lock()
	d.refuse = v
	d.mu.Unlock()
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.transports) {
		return nil
	}
	return d.transports[i]
}

type recordedEvents struct {
	mu        sync.Mutex
	progress  []models.JobEvent
	completed []models.JobEvent
	failed    []models.JobEvent
}

func (r *recordedEvents) callbacks() Callbacks {
	return Callbacks{
		OnJobProgress: func(ev models.JobEvent) {
			r.mu.Lock()
			r.progress = append(r.progress, ev)
			r.mu.Unlock()
		},
		OnJobCompleted: func(ev models.JobEvent) {
			r.mu.Lock()
			r.completed = append(r.completed, ev)
			r.mu.Unlock()
		},
		OnJobFailed: func(ev models.JobEvent) {
			r.mu.Lock()
			r.failed = append(r.failed, ev)
			r.mu.Unlock()
		},
	}
}

func (r *recordedEvents) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.progress), len(r.completed), len(r.failed)
}

func newTestClient(t *testing.T, dialer *fakeDialer, store JobReader) *Client {
	t.Helper()
	c := NewClient(ClientOptions{
		OwnerID:       "alice",
		Dial:          dialer.dial,
		Store:         store,
		PollInterval:  10 * time.Millisecond,
		TerminalGrace: 50 * time.Millisecond,
		Logger:        zerolog.Nop(),
	})
	t.Cleanup(c.Close)
	return c
}

func TestClientConnectJoinsOwnerRoom(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, dialer, nil)
	c.Connect()

	waitFor(t, c.IsConnected, "client never connected")
	tr := dialer.transport(0)
	require.NotNil(t, tr)
	waitFor(t, func() bool { return tr.wroteCommand(ActionSubscribe, OwnerRoom("alice")) },
		"owner room never subscribed")

	// A second Connect changes nothing.
	c.Connect()
	assert.Nil(t, dialer.transport(1))
}

func TestClientPushPathDeliversProgress(t *testing.T) {
	dialer := &fakeDialer{}
	rec := &recordedEvents{}
	c := newTestClient(t, dialer, nil)
	c.On(rec.callbacks())
	c.Connect()
	waitFor(t, c.IsConnected, "client never connected")

	c.TrackJob("j1")
	tr := dialer.transport(0)
	waitFor(t, func() bool { return tr.wroteCommand(ActionSubscribe, JobRoom("j1")) },
		"job room never subscribed")

	tr.pushEvent(JobRoom("j1"), models.NewProgressEvent("j1", "alice", "generating", 40, ""))
	waitFor(t, func() bool { p, _, _ := rec.counts(); return p == 1 }, "progress never delivered")
	assert.Equal(t, 40, c.CurrentProgress())
}

func TestClientIgnoresEventsForUntrackedJobs(t *testing.T) {
	dialer := &fakeDialer{}
	rec := &recordedEvents{}
	c := newTestClient(t, dialer, nil)
	c.On(rec.callbacks())
	c.Connect()
	waitFor(t, c.IsConnected, "client never connected")

	c.TrackJob("j1")
	tr := dialer.transport(0)
	tr.pushEvent(JobRoom("j2"), models.NewProgressEvent("j2", "alice", "generating", 90, ""))
	tr.pushEvent(JobRoom("j1"), models.NewProgressEvent("j1", "alice", "generating", 10, ""))

	waitFor(t, func() bool { p, _, _ := rec.counts(); return p == 1 }, "tracked event never arrived")
	p, _, _ := rec.counts()
	assert.Equal(t, 1, p)
	assert.Equal(t, 10, c.CurrentProgress())
}

func TestClientProgressNeverRegresses(t *testing.T) {
	dialer := &fakeDialer{}
	rec := &recordedEvents{}
	c := newTestClient(t, dialer, nil)
	c.On(rec.callbacks())
	c.Connect()
	waitFor(t, c.IsConnected, "client never connected")

	c.TrackJob("j1")
	tr := dialer.transport(0)
	tr.pushEvent(JobRoom("j1"), models.NewProgressEvent("j1", "alice", "generating", 60, ""))
	tr.pushEvent(JobRoom("j1"), models.NewProgressEvent("j1", "alice", "extracting", 30, ""))
	tr.pushEvent(JobRoom("j1"), models.NewProgressEvent("j1", "alice", "generating", 70, ""))

	waitFor(t, func() bool { return c.CurrentProgress() == 70 }, "final progress never arrived")
	p, _, _ := rec.counts()
	// The out-of-order 30 was swallowed.
	assert.Equal(t, 2, p)
}

func TestClientTerminalExactlyOnce(t *testing.T) {
	dialer := &fakeDialer{}
	rec := &recordedEvents{}
	c := newTestClient(t, dialer, nil)
	c.On(rec.callbacks())
	c.Connect()
	waitFor(t, c.IsConnected, "client never connected")

	c.TrackJob("j1")
	tr := dialer.transport(0)
	done := models.NewCompletedEvent("j1", "alice", "done", models.JobResult{"noteId": "n1"})
	tr.pushEvent(JobRoom("j1"), done)
	tr.pushEvent(JobRoom("j1"), done)
	tr.pushEvent(JobRoom("j1"), models.NewProgressEvent("j1", "alice", "generating", 90, ""))

	waitFor(t, func() bool { _, done, _ := rec.counts(); return done == 1 }, "completion never delivered")
	time.Sleep(30 * time.Millisecond)
	p, completed, _ := rec.counts()
	assert.Equal(t, 1, completed)
	assert.Equal(t, 0, p)
}

func TestClientTerminalClearsTrackingAfterGrace(t *testing.T) {
	dialer := &fakeDialer{}
	rec := &recordedEvents{}
	c := newTestClient(t, dialer, nil)
	c.On(rec.callbacks())
	c.Connect()
	waitFor(t, c.IsConnected, "client never connected")

	c.TrackJob("j1")
	tr := dialer.transport(0)
	tr.pushEvent(JobRoom("j1"), models.NewCompletedEvent("j1", "alice", "done", nil))

	waitFor(t, func() bool { _, done, _ := rec.counts(); return done == 1 }, "completion never delivered")
	assert.Equal(t, "j1", c.TrackedJob())

	waitFor(t, func() bool { return c.TrackedJob() == "" }, "tracking never cleared after grace")
	waitFor(t, func() bool { return tr.wroteCommand(ActionUnsubscribe, JobRoom("j1")) },
		"job room never unsubscribed after grace")
}

func TestClientTrackDuringGraceSupersedesClear(t *testing.T) {
	dialer := &fakeDialer{}
	rec := &recordedEvents{}
	c := newTestClient(t, dialer, nil)
	c.On(rec.callbacks())
	c.Connect()
	waitFor(t, c.IsConnected, "client never connected")

	c.TrackJob("j1")
	tr := dialer.transport(0)
	tr.pushEvent(JobRoom("j1"), models.NewCompletedEvent("j1", "alice", "done", nil))
	waitFor(t, func() bool { _, done, _ := rec.counts(); return done == 1 }, "completion never delivered")

	// A new job inside the grace window must not be clobbered by the
	// deferred clear.
	c.TrackJob("j2")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, "j2", c.TrackedJob())
}

func TestClientFallsBackToPollingWhileDisconnected(t *testing.T) {
	dialer := &fakeDialer{refuse: true}
	store := &scriptedStore{entries: []scriptedEntry{
		{job: models.Job{OwnerID: "alice", Status: models.StatusActive, Stage: "generating", Progress: 50}},
		{job: models.Job{OwnerID: "alice", Status: models.StatusCompleted, Stage: "done", Progress: 100}},
	}}
	rec := &recordedEvents{}
	c := newTestClient(t, dialer, store)
	c.On(rec.callbacks())
	c.Connect()

	c.TrackJob("j1")
	waitFor(t, func() bool { _, done, _ := rec.counts(); return done == 1 },
		"polled completion never delivered")
	p, _, _ := rec.counts()
	assert.Equal(t, 1, p)
	assert.False(t, c.UsingPolling())
}

func TestClientReconnectReplaysSubscriptionsAndStopsPolling(t *testing.T) {
	dialer := &fakeDialer{}
	store := &scriptedStore{entries: []scriptedEntry{
		{job: models.Job{OwnerID: "alice", Status: models.StatusActive, Stage: "generating", Progress: 50}},
	}}
	rec := &recordedEvents{}
	c := newTestClient(t, dialer, store)
	c.On(rec.callbacks())
	c.Connect()
	waitFor(t, c.IsConnected, "client never connected")

	c.TrackJob("j1")

	// Kill the first transport with redials blocked; the client should
	// fall back to polling, then replay the job room once dialing works.
	dialer.setRefuse(true)
	first := dialer.transport(0)
	_ = first.Close()
	waitFor(t, c.UsingPolling, "polling fallback never started")

	dialer.setRefuse(false)
	waitFor(t, func() bool {
		second := dialer.transport(1)
		return second != nil && second.wroteCommand(ActionSubscribe, JobRoom("j1"))
	}, "job room never replayed on reconnect")
	waitFor(t, func() bool { return !c.UsingPolling() }, "poller never stopped after reconnect")
	second := dialer.transport(1)
	assert.True(t, second.wroteCommand(ActionSubscribe, OwnerRoom("alice")))
}

func TestClientTerminalOnceAcrossPathSwitch(t *testing.T) {
	dialer := &fakeDialer{refuse: true}
	store := &scriptedStore{entries: []scriptedEntry{
		{job: models.Job{OwnerID: "alice", Status: models.StatusCompleted, Stage: "done", Progress: 100}},
	}}
	rec := &recordedEvents{}
	c := newTestClient(t, dialer, store)
	c.On(rec.callbacks())
	c.Connect()

	c.TrackJob("j1")
	waitFor(t, func() bool { _, done, _ := rec.counts(); return done == 1 },
		"polled completion never delivered")

	// The push channel comes up during the grace window and redelivers the
	// terminal event. It must be swallowed.
	dialer.setRefuse(false)
	waitFor(t, c.IsConnected, "client never reconnected")
	tr := dialer.transport(0)
	tr.pushEvent(JobRoom("j1"), models.NewCompletedEvent("j1", "alice", "done", nil))

	time.Sleep(30 * time.Millisecond)
	_, completed, _ := rec.counts()
	assert.Equal(t, 1, completed)
}

func TestClientStopTracking(t *testing.T) {
	dialer := &fakeDialer{}
	rec := &recordedEvents{}
	c := newTestClient(t, dialer, nil)
	c.On(rec.callbacks())
	c.Connect()
	waitFor(t, c.IsConnected, "client never connected")

	c.TrackJob("j1")
	tr := dialer.transport(0)
	waitFor(t, func() bool { return tr.wroteCommand(ActionSubscribe, JobRoom("j1")) },
		"job room never subscribed")

	c.StopTracking()
	assert.True(t, tr.wroteCommand(ActionUnsubscribe, JobRoom("j1")))
	assert.Equal(t, "", c.TrackedJob())

	// Events for the abandoned job are dropped.
	tr.pushEvent(JobRoom("j1"), models.NewProgressEvent("j1", "alice", "generating", 80, ""))
	time.Sleep(30 * time.Millisecond)
	p, _, _ := rec.counts()
	assert.Equal(t, 0, p)

	// Stopping again is harmless.
	c.StopTracking()
}

func TestClientCloseStopsEverything(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, dialer, nil)
	c.Connect()
	waitFor(t, c.IsConnected, "client never connected")

	c.TrackJob("j1")
	c.Close()

	assert.False(t, c.IsConnected())
	assert.Equal(t, "", c.TrackedJob())

	// No reconnect after close.
	time.Sleep(50 * time.Millisecond)
	assert.Nil(t, dialer.transport(1))
}
