package stream_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dukex/agentrun/pkg/models"
	"github.com/dukex/agentrun/pkg/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// session scripts one Dial: either a dial error or a list of raw messages.
// A held session blocks after its messages until the context ends; otherwise
// the connection drops with io.EOF.
type session struct {
	dialErr  error
	messages []string
	hold     bool
}

type fakeDialer struct {
	mu       sync.Mutex
	sessions []session
	dials    int
	tokens   []string
}

func (d *fakeDialer) Dial(_ context.Context, requestID, token string) (stream.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	d.tokens = append(d.tokens, token)

	if len(d.sessions) == 0 {
		return nil, errors.New("connection refused")
	}

	s := d.sessions[0]
	d.sessions = d.sessions[1:]

	if s.dialErr != nil {
		return nil, s.dialErr
	}

	return &fakeConn{messages: s.messages, hold: s.hold}, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.dials
}

type fakeConn struct {
	messages []string
	hold     bool
}

func (c *fakeConn) Next(ctx context.Context) ([]byte, error) {
	if len(c.messages) > 0 {
		msg := c.messages[0]
		c.messages = c.messages[1:]

		return []byte(msg), nil
	}

	if c.hold {
		<-ctx.Done()

		return nil, ctx.Err()
	}

	return nil, io.EOF
}

func (c *fakeConn) Close() error { return nil }

type countingIssuer struct {
	mu    sync.Mutex
	count int
}

func (i *countingIssuer) IssueToken(_ context.Context, requestID string) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.count++

	return requestID + "-token-" + strings.Repeat("x", i.count), nil
}

type recorder struct {
	mu      sync.Mutex
	updates []stream.Update
}

func (r *recorder) Handle(u stream.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.updates = append(r.updates, u)
}

func (r *recorder) Updates() []stream.Update {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]stream.Update(nil), r.updates...)
}

type delays struct {
	mu  sync.Mutex
	got []time.Duration
}

func (d *delays) After(delay time.Duration) <-chan time.Time {
	d.mu.Lock()
	d.got = append(d.got, delay)
	d.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- time.Time{}

	return ch
}

func (d *delays) Got() []time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]time.Duration(nil), d.got...)
}

const base = 100 * time.Millisecond

func start(t *testing.T, dialer *fakeDialer, maxAttempts int) (*stream.Subscription, *recorder, *delays, *countingIssuer) {
	t.Helper()

	rec := &recorder{}
	waits := &delays{}
	issuer := &countingIssuer{}

	sub := stream.NewSubscription(testLogger(), "run-1", dialer, issuer, rec.Handle, stream.Config{
		BaseDelay:   base,
		MaxAttempts: maxAttempts,
		After:       waits.After,
	})
	sub.Start(context.Background())
	t.Cleanup(sub.Disconnect)

	return sub, rec, waits, issuer
}

func wait(t *testing.T, sub *stream.Subscription) error {
	t.Helper()

	select {
	case <-sub.Done():
		return sub.Wait()
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not stop")

		return nil
	}
}

func TestSubscription_TerminalEventCloses(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{sessions: []session{{messages: []string{
		`{"type":"progress","percent":50}`,
		`{"type":"progress","percent":"half"}`,
		`{"type":"log","message":"rendering"}`,
		`{"type":"final","status":"completed"}`,
		`{"type":"log","message":"never delivered"}`,
	}}}}

	sub, rec, waits, _ := start(t, dialer, 3)

	require.NoError(t, wait(t, sub))
	assert.Equal(t, stream.StateClosed, sub.State())
	assert.Equal(t, 1, dialer.Dials())
	assert.Empty(t, waits.Got())

	updates := rec.Updates()
	require.Len(t, updates, 3, "the malformed message is skipped")
	assert.Equal(t, stream.ProgressUpdate{RunID: "run-1", Percent: 50}, updates[0])
	assert.IsType(t, stream.LogUpdate{}, updates[1])
	assert.Equal(t, stream.StatusUpdate{RunID: "run-1", Status: models.RunStatusCompleted}, updates[2])
}

func TestSubscription_ReconnectResetsAttemptsOnOpen(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{sessions: []session{
		{dialErr: errors.New("refused")},
		{dialErr: errors.New("refused")},
		{messages: []string{`{"type":"progress","percent":10}`}},
		{messages: []string{`{"type":"error","message":"provider down"}`}},
	}}

	sub, rec, waits, issuer := start(t, dialer, 3)

	require.NoError(t, wait(t, sub))
	assert.Equal(t, []time.Duration{base, 2 * base, base}, waits.Got())
	assert.Equal(t, 4, dialer.Dials())
	assert.Equal(t, 4, issuer.count, "every connect uses a fresh token")

	updates := rec.Updates()
	require.Len(t, updates, 2)
	assert.IsType(t, stream.ErrorUpdate{}, updates[1])
}

func TestSubscription_RetriesExhausted(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	sub, rec, waits, _ := start(t, dialer, 3)

	err := wait(t, sub)
	require.ErrorIs(t, err, stream.ErrRetriesExhausted)
	assert.Equal(t, stream.StateFailed, sub.State())
	assert.Equal(t, []time.Duration{base, 2 * base, 4 * base}, waits.Got())
	assert.Equal(t, 4, dialer.Dials())

	updates := rec.Updates()
	require.Len(t, updates, 1)

	failure, ok := updates[0].(stream.ErrorUpdate)
	require.True(t, ok)
	assert.Equal(t, stream.CodeStreamFailed, failure.Error.Code)
}

func TestSubscription_DisconnectSuppressesReconnect(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{sessions: []session{{hold: true}}}
	sub, _, waits, _ := start(t, dialer, 3)

	require.Eventually(t, func() bool { return sub.State() == stream.StateOpen }, time.Second, time.Millisecond)

	sub.Disconnect()

	require.NoError(t, wait(t, sub))
	assert.Equal(t, stream.StateClosed, sub.State())
	assert.Equal(t, 1, dialer.Dials())
	assert.Empty(t, waits.Got())
}

func TestConfig_Backoff(t *testing.T) {
	t.Parallel()

	config := stream.Config{BaseDelay: time.Second}

	assert.Equal(t, time.Second, config.Backoff(0))
	assert.Equal(t, time.Second, config.Backoff(1))
	assert.Equal(t, 2*time.Second, config.Backoff(2))
	assert.Equal(t, 8*time.Second, config.Backoff(4))
}

func TestManager_OneSubscriptionPerRun(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{sessions: []session{{hold: true}, {hold: true}}}
	manager := stream.NewManager(testLogger(), dialer, &countingIssuer{}, stream.Config{BaseDelay: time.Millisecond})
	t.Cleanup(manager.Close)

	rec := &recorder{}

	_, err := manager.Subscribe(context.Background(), "run-1", rec.Handle)
	require.NoError(t, err)

	_, err = manager.Subscribe(context.Background(), "run-1", rec.Handle)
	require.ErrorIs(t, err, stream.ErrAlreadySubscribed)

	assert.True(t, manager.Disconnect("run-1"))
	assert.False(t, manager.Disconnect("run-2"))

	sub, err := manager.Subscribe(context.Background(), "run-1", rec.Handle)
	require.NoError(t, err)

	active, ok := manager.Active("run-1")
	require.True(t, ok)
	assert.Same(t, sub, active)
}

func TestSSE_EndToEnd(t *testing.T) {
	t.Parallel()

	tokens := stream.NewMemoryTokenStore(testLogger())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimPrefix(r.URL.Path, "/stream/")

		if _, err := tokens.Consume(r.Context(), r.URL.Query().Get("token"), requestID); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)

			return
		}

		w.Header().Set("Content-Type", "text/event-stream")

		_ = stream.WriteHeartbeat(w)
		_ = stream.WriteFrame(w, stream.EventFromUpdate(stream.ProgressUpdate{RunID: requestID, Percent: 25}))
		_ = stream.WriteFrame(w, stream.EventFromUpdate(stream.ArtifactUpdate{
			RunID:     requestID,
			Artifacts: []models.Artifact{{ID: "a1", RunID: requestID, Format: "png"}},
		}))
		_ = stream.WriteFrame(w, stream.EventFromUpdate(stream.StatusUpdate{RunID: requestID, Status: models.RunStatusCompleted}))
	}))
	t.Cleanup(server.Close)

	rec := &recorder{}
	issuer := stream.StoreIssuer{Store: tokens}
	dialer := &stream.SSEDialer{BaseURL: server.URL}

	sub := stream.NewSubscription(testLogger(), "run-1", dialer, issuer, rec.Handle, stream.Config{})
	sub.Start(context.Background())

	require.NoError(t, wait(t, sub))

	updates := rec.Updates()
	require.Len(t, updates, 3)
	assert.Equal(t, stream.ProgressUpdate{RunID: "run-1", Percent: 25}, updates[0])
	assert.Equal(t, stream.StatusUpdate{RunID: "run-1", Status: models.RunStatusCompleted}, updates[2])

	// Replaying a consumed token is refused.
	token, err := tokens.Issue(context.Background(), "run-1", 0)
	require.NoError(t, err)

	conn, err := dialer.Dial(context.Background(), "run-1", token.Value)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	_, err = dialer.Dial(context.Background(), "run-1", token.Value)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")

	other, err := tokens.Issue(context.Background(), "run-A", 0)
	require.NoError(t, err)

	_, err = dialer.Dial(context.Background(), "run-B", other.Value)
	require.Error(t, err)
}

func TestHub(t *testing.T) {
	t.Parallel()

	hub := stream.NewHub(testLogger())

	events, unsubscribe := hub.Subscribe("run-1")
	other, unsubscribeOther := hub.Subscribe("run-2")

	defer unsubscribeOther()

	hub.Publish(stream.Event{Type: stream.EventLog, RunID: "run-1", Message: "hello"})

	select {
	case ev := <-events:
		assert.Equal(t, "hello", ev.Message)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	select {
	case <-other:
		t.Fatal("event leaked to another run")
	default:
	}

	assert.Equal(t, 1, hub.Listeners("run-1"))
	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, hub.Listeners("run-1"))

	_, open := <-events
	assert.False(t, open)

	hub.Publish(stream.Event{Type: stream.EventLog, RunID: "run-1", Message: "nobody listening"})
}

func TestHub_ClosesFullListener(t *testing.T) {
	t.Parallel()

	hub := stream.NewHub(testLogger())

	events, unsubscribe := hub.Subscribe("run-1")

	for i := range 200 {
		hub.Publish(stream.Event{Type: stream.EventLog, RunID: "run-1", Message: strconv.Itoa(i)})
	}

	hub.Publish(stream.Event{Type: stream.EventFinal, RunID: "run-1", Status: "completed"})

	assert.Equal(t, 0, hub.Listeners("run-1"))

	received := 0

	for ev := range events {
		assert.NotEqual(t, stream.EventFinal, ev.Type)

		received++
	}

	assert.Positive(t, received)
	assert.Less(t, received, 201)

	// The closed listener can still be unsubscribed.
	unsubscribe()

	_, open := <-events
	assert.False(t, open)
}
