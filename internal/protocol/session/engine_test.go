package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/iolitectl/internal/discovery"
	"github.com/danmuck/iolitectl/internal/protocol"
	"github.com/danmuck/iolitectl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

var errConnClosed = errors.New("fake: use of closed connection")

type fakeConn struct {
	in        chan []byte
	written   chan map[string]any
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	writes []map[string]any
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:      make(chan []byte),
		written: make(chan map[string]any, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case <-c.closed:
		return nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	c.mu.Lock()
	c.writes = append(c.writes, msg)
	c.mu.Unlock()
	c.written <- msg
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) countClass(class string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.writes {
		if w["class"] == class {
			n++
		}
	}
	return n
}

// push delivers one inbound frame or fails the test.
func (c *fakeConn) push(t *testing.T, frame string) {
	t.Helper()
	select {
	case c.in <- []byte(frame):
	case <-time.After(2 * time.Second):
		t.Fatalf("engine did not read frame %s", frame)
	}
}

func (c *fakeConn) expectWrite(t *testing.T, class string) map[string]any {
	t.Helper()
	select {
	case msg := <-c.written:
		require.Equal(t, class, msg["class"], "unexpected write %v", msg)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s write", class)
		return nil
	}
}

type harness struct {
	engine    *Engine
	conn      *fakeConn
	rooms     *discovery.Registry
	requests  *protocol.Registry
	snapshots chan discovery.Snapshot
	cancel    context.CancelFunc
	result    chan error
}

func startEngine(t *testing.T, settle time.Duration) *harness {
	t.Helper()
	conn := newFakeConn()
	cfg := DefaultConfig()
	cfg.SubscribeSettle = settle

	h := &harness{
		conn:      conn,
		rooms:     discovery.NewRegistry(),
		requests:  protocol.NewRegistry(),
		snapshots: make(chan discovery.Snapshot, 16),
		result:    make(chan error, 1),
	}
	h.engine = NewEngine(func(context.Context) (Conn, error) { return conn, nil }, cfg, h.requests, h.rooms)
	h.engine.OnDiscovery = func(s discovery.Snapshot) { h.snapshots <- s }

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)
	go func() { h.result <- h.engine.Run(ctx) }()
	return h
}

// ready drives the handshake: acknowledges places with rooms and returns the
// ids of the places, devices and query requests.
func (h *harness) ready(t *testing.T, rooms string) (string, string, string) {
	t.Helper()
	places := h.conn.expectWrite(t, protocol.ClassSubscribeRequest)
	require.Equal(t, "places[*]", places["objectQuery"])
	placesID := places["requestID"].(string)

	h.conn.push(t, fmt.Sprintf(`{"requestID":%q,"class":"SubscribeSuccess","initialValues":%s}`, placesID, rooms))
	devices := h.conn.expectWrite(t, protocol.ClassSubscribeRequest)
	require.Equal(t, "devices[*]", devices["objectQuery"])
	query := h.conn.expectWrite(t, protocol.ClassQueryRequest)
	require.Equal(t, protocol.ModelSituationProfile, query["objectQuery"])

	require.Eventually(t, func() bool { return h.engine.State() == StateReady }, 2*time.Second, 5*time.Millisecond)
	return placesID, devices["requestID"].(string), query["requestID"].(string)
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.result:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("engine did not stop")
		return nil
	}
}

func (h *harness) nextSnapshot(t *testing.T) discovery.Snapshot {
	t.Helper()
	select {
	case s := <-h.snapshots:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("no discovery snapshot")
		return nil
	}
}

func TestEngineDiscoveryScenario(t *testing.T) {
	testlog.Start(t)

	h := startEngine(t, time.Second)
	_, devicesID, _ := h.ready(t, `[{"placeName":"Kitchen","id":"R1"}]`)
	h.nextSnapshot(t)

	h.conn.push(t, fmt.Sprintf(`{"requestID":%q,"class":"SubscribeSuccess","initialValues":[
		{"friendlyName":"Lamp","id":"D1","placeIdentifier":"R1"},
		{"friendlyName":"Ghost","id":"D2","placeIdentifier":"R9"}
	]}`, devicesID))
	snap := h.nextSnapshot(t)

	got, err := json.Marshal(snap)
	require.NoError(t, err)
	require.JSONEq(t, `{"R1":{"name":"Kitchen","devices":{"D1":{"id":"D1","name":"Lamp"}}}}`, string(got))

	// Redelivery of the same initial values must not duplicate devices.
	h.conn.push(t, fmt.Sprintf(`{"requestID":%q,"class":"SubscribeSuccess","initialValues":[
		{"friendlyName":"Lamp","id":"D1","placeIdentifier":"R1"}
	]}`, devicesID))
	snap = h.nextSnapshot(t)
	require.Len(t, snap["R1"].Devices, 1)

	h.cancel()
	require.NoError(t, h.wait(t))
	require.Equal(t, StateClosed, h.engine.State())
	reason, closeErr := h.engine.Reason()
	require.Equal(t, ReasonShutdown, reason)
	require.NoError(t, closeErr)
	require.True(t, h.conn.isClosed())
}

func TestEngineKeepAliveRepliedBeforeNextMessage(t *testing.T) {
	testlog.Start(t)

	h := startEngine(t, time.Second)
	placesID, _, _ := h.ready(t, `[]`)
	h.nextSnapshot(t)

	seen := make(chan int, 1)
	h.engine.OnDiscovery = func(discovery.Snapshot) {
		seen <- h.conn.countClass(protocol.ClassKeepAliveResponse)
	}

	h.conn.push(t, `{"requestID":"server-ping-1","class":"KeepAliveRequest"}`)
	h.conn.push(t, fmt.Sprintf(`{"requestID":%q,"class":"SubscribeSuccess","initialValues":[{"placeName":"Hall","id":"R2"}]}`, placesID))

	select {
	case n := <-seen:
		require.Equal(t, 1, n, "keepalive response must be sent before the next message is handled")
	case <-time.After(2 * time.Second):
		t.Fatalf("follow-up message not processed")
	}

	reply := h.conn.expectWrite(t, protocol.ClassKeepAliveResponse)
	require.NotEqual(t, "server-ping-1", reply["requestID"])
	require.Equal(t, StateReady, h.engine.State())
}

func TestEngineUncorrelatedResponseIsFatal(t *testing.T) {
	testlog.Start(t)

	h := startEngine(t, time.Second)
	h.ready(t, `[]`)

	h.conn.push(t, `{"requestID":"places-unknown","class":"QuerySuccess"}`)
	err := h.wait(t)
	require.ErrorIs(t, err, protocol.ErrUncorrelatedResponse)
	require.Equal(t, StateClosed, h.engine.State())
	reason, closeErr := h.engine.Reason()
	require.Equal(t, ReasonUncorrelated, reason)
	require.ErrorIs(t, closeErr, protocol.ErrUncorrelatedResponse)
	require.True(t, h.conn.isClosed())
}

func TestEngineRecoverableMessagesKeepReady(t *testing.T) {
	testlog.Start(t)

	h := startEngine(t, time.Second)
	_, _, queryID := h.ready(t, `[{"placeName":"Kitchen","id":"R1"}]`)
	before := h.nextSnapshot(t)

	h.conn.push(t, fmt.Sprintf(`{"requestID":%q,"class":"QuerySuccess","model":{"situation":"home"}}`, queryID))
	h.conn.push(t, fmt.Sprintf(`{"requestID":%q,"class":"Unknown"}`, queryID))
	h.conn.push(t, `this is not json`)
	h.conn.push(t, `{"requestID":"x"}`)
	// The loop is sequential; the keepalive reply proves everything above was handled.
	h.conn.push(t, `{"class":"KeepAliveRequest"}`)
	h.conn.expectWrite(t, protocol.ClassKeepAliveResponse)

	require.Equal(t, StateReady, h.engine.State())
	require.Equal(t, before, h.rooms.Snapshot())
	select {
	case s := <-h.snapshots:
		t.Fatalf("unexpected discovery change: %v", s)
	default:
	}
}

func TestEngineMalformedDuringHandshakeIsFatal(t *testing.T) {
	testlog.Start(t)

	h := startEngine(t, 0)
	h.conn.expectWrite(t, protocol.ClassSubscribeRequest)
	h.conn.push(t, `{"requestID":`)

	err := h.wait(t)
	require.ErrorIs(t, err, protocol.ErrMalformedMessage)
	reason, _ := h.engine.Reason()
	require.Equal(t, ReasonHandshake, reason)
	require.Equal(t, 0, h.conn.countClass(protocol.ClassQueryRequest))
}

func TestEngineSettleFallbackWithoutAck(t *testing.T) {
	testlog.Start(t)

	h := startEngine(t, 30*time.Millisecond)
	places := h.conn.expectWrite(t, protocol.ClassSubscribeRequest)
	require.Equal(t, "places[*]", places["objectQuery"])
	devices := h.conn.expectWrite(t, protocol.ClassSubscribeRequest)
	require.Equal(t, "devices[*]", devices["objectQuery"])
	h.conn.expectWrite(t, protocol.ClassQueryRequest)
	require.Eventually(t, func() bool { return h.engine.State() == StateReady }, 2*time.Second, 5*time.Millisecond)

	// Devices that outran their rooms are dropped, not queued.
	h.conn.push(t, fmt.Sprintf(`{"requestID":%q,"class":"SubscribeSuccess","initialValues":[{"friendlyName":"Lamp","id":"D1","placeIdentifier":"R1"}]}`, devices["requestID"]))
	require.Empty(t, h.nextSnapshot(t))
	h.conn.push(t, fmt.Sprintf(`{"requestID":%q,"class":"SubscribeSuccess","initialValues":[{"placeName":"Kitchen","id":"R1"}]}`, places["requestID"]))
	snap := h.nextSnapshot(t)
	require.Empty(t, snap["R1"].Devices)
}

func TestEngineHandshakeKeepAliveAndMultiLineFrame(t *testing.T) {
	testlog.Start(t)

	h := startEngine(t, 0)
	places := h.conn.expectWrite(t, protocol.ClassSubscribeRequest)
	h.conn.push(t, fmt.Sprintf("{\"class\":\"KeepAliveRequest\"}\n{\"requestID\":%q,\"class\":\"SubscribeSuccess\",\"initialValues\":[{\"placeName\":\"Kitchen\",\"id\":\"R1\"}]}\n", places["requestID"]))

	h.conn.expectWrite(t, protocol.ClassKeepAliveResponse)
	h.conn.expectWrite(t, protocol.ClassSubscribeRequest)
	h.conn.expectWrite(t, protocol.ClassQueryRequest)
	require.Eventually(t, func() bool { return h.engine.State() == StateReady }, 2*time.Second, 5*time.Millisecond)
	require.True(t, h.rooms.HasRoom("R1"))
}

func TestEnginePrettyPrintedMessages(t *testing.T) {
	testlog.Start(t)

	h := startEngine(t, time.Second)
	places := h.conn.expectWrite(t, protocol.ClassSubscribeRequest)
	h.conn.push(t, fmt.Sprintf("{\n  \"requestID\": %q,\n  \"class\": \"SubscribeSuccess\",\n  \"initialValues\": [\n    {\"placeName\": \"Kitchen\", \"id\": \"R1\"}\n  ]\n}\n", places["requestID"]))

	devices := h.conn.expectWrite(t, protocol.ClassSubscribeRequest)
	h.conn.expectWrite(t, protocol.ClassQueryRequest)
	require.Eventually(t, func() bool { return h.engine.State() == StateReady }, 2*time.Second, 5*time.Millisecond)
	require.True(t, h.rooms.HasRoom("R1"))
	h.nextSnapshot(t)

	h.conn.push(t, fmt.Sprintf("{\"requestID\":%q,\n\"class\":\"SubscribeSuccess\",\n\"initialValues\":[{\"friendlyName\":\"Lamp\",\"id\":\"D1\",\"placeIdentifier\":\"R1\"}]}", devices["requestID"]))
	snap := h.nextSnapshot(t)
	require.Equal(t, discovery.Device{ID: "D1", Name: "Lamp"}, snap["R1"].Devices["D1"])
	require.Equal(t, StateReady, h.engine.State())
}

func TestEngineTrailingGarbageDroppedOnceWhenReady(t *testing.T) {
	testlog.Start(t)

	h := startEngine(t, time.Second)
	placesID, _, _ := h.ready(t, `[]`)
	h.nextSnapshot(t)

	h.conn.push(t, fmt.Sprintf(`{"requestID":%q,"class":"SubscribeSuccess","initialValues":[{"placeName":"Hall","id":"R2"}]} {"requestID":`, placesID))
	snap := h.nextSnapshot(t)
	require.Contains(t, snap, "R2")

	h.conn.push(t, `{"class":"KeepAliveRequest"}`)
	h.conn.expectWrite(t, protocol.ClassKeepAliveResponse)
	require.Equal(t, StateReady, h.engine.State())
}

func TestEngineRemoteClose(t *testing.T) {
	testlog.Start(t)

	h := startEngine(t, time.Second)
	h.ready(t, `[]`)
	close(h.conn.in)

	err := h.wait(t)
	require.ErrorIs(t, err, ErrTransport)
	require.ErrorIs(t, err, ErrRemoteClosed)
	reason, _ := h.engine.Reason()
	require.Equal(t, ReasonRemoteClosed, reason)
}

func TestEngineCloseUnblocksReceive(t *testing.T) {
	testlog.Start(t)

	h := startEngine(t, time.Second)
	h.ready(t, `[]`)

	require.NoError(t, h.engine.Close())
	require.NoError(t, h.wait(t))
	<-h.engine.Done()
	reason, _ := h.engine.Reason()
	require.Equal(t, ReasonShutdown, reason)

	require.ErrorIs(t, h.engine.Run(context.Background()), ErrEngineStarted)
}

func TestEngineDialFailure(t *testing.T) {
	testlog.Start(t)

	var states []State
	e := NewEngine(func(context.Context) (Conn, error) {
		return nil, errors.New("connection refused")
	}, DefaultConfig(), protocol.NewRegistry(), discovery.NewRegistry())
	e.OnState = func(s State, _ CloseReason) { states = append(states, s) }

	err := e.Run(context.Background())
	require.ErrorIs(t, err, ErrTransport)
	require.Equal(t, []State{StateConnecting, StateClosed}, states)
	reason, _ := e.Reason()
	require.Equal(t, ReasonTransport, reason)
}

func TestStateStrings(t *testing.T) {
	testlog.Start(t)

	require.Equal(t, []string{"disconnected", "connecting", "subscribing", "ready", "closed"}, stateNames())
	require.Equal(t, "unknown", State(42).String())
}
