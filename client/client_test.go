package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"collab-backend/internal/model"
	"collab-backend/internal/protocol"
)

// fakeConn is an in-memory transport end. The test plays the server by
// pushing frames into in and inspecting written frames.
type fakeConn struct {
	in chan []byte

	mu      sync.Mutex
	written [][]byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 32),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case <-f.closed:
		return nil, errors.New("connection closed")
	}
}

func (f *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-f.closed:
		return errors.New("connection closed")
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// serverSend plays a server-originated event.
func (f *fakeConn) serverSend(t *testing.T, env protocol.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	f.in <- data
}

// writtenTypes decodes the event type of every frame written so far.
func (f *fakeConn) writtenTypes(t *testing.T) []string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	var types []string
	for _, data := range f.written {
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("client wrote a malformed frame: %v", err)
		}
		types = append(types, env.Type)
	}
	return types
}

func staticDial(conn Conn) DialFunc {
	return func(ctx context.Context, url string) (Conn, error) {
		return conn, nil
	}
}

func failingDial(ctx context.Context, url string) (Conn, error) {
	return nil, errors.New("connection refused")
}

func testOptions(dial DialFunc) Options {
	return Options{
		URL:                  "ws://test/ws/collab",
		UserID:               "user-a",
		DisplayName:          "Alice",
		JoinThrottle:         3 * time.Second,
		MaxReconnectAttempts: 2,
		InitialBackoff:       time.Millisecond,
		MaxBackoff:           5 * time.Millisecond,
		Dial:                 dial,
	}
}

func waitForState(t *testing.T, c *Client, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", c.State(), want)
}

func waitForFrames(t *testing.T, conn *fakeConn, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn.mu.Lock()
		got := len(conn.written)
		conn.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client wrote %v, want %d frames", conn.writtenTypes(t), n)
}

func TestClientConnectAndJoin(t *testing.T) {
	conn := newFakeConn()
	snapshots := make(chan protocol.RoomSnapshotPayload, 1)

	c, err := New(testOptions(staticDial(conn)), Callbacks{
		OnSnapshot: func(snap protocol.RoomSnapshotPayload) { snapshots <- snap },
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if got := c.State(); got != StateConnected {
		t.Fatalf("state after connect = %s, want %s", got, StateConnected)
	}

	if err := c.JoinRoom("room-1"); err != nil {
		t.Fatalf("JoinRoom failed: %v", err)
	}
	waitForFrames(t, conn, 1)
	if types := conn.writtenTypes(t); types[0] != protocol.EventJoinRoom {
		t.Fatalf("first frame = %s, want %s", types[0], protocol.EventJoinRoom)
	}

	conn.serverSend(t, protocol.New(protocol.EventRoomSnapshot, protocol.RoomSnapshotPayload{
		RoomID:   "room-1",
		Elements: []model.WhiteboardElement{{ID: "e1", Kind: "stroke"}},
		Document: model.DocumentState{Content: "hello"},
	}))

	select {
	case snap := <-snapshots:
		if snap.RoomID != "room-1" {
			t.Errorf("snapshot roomId = %q", snap.RoomID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("OnSnapshot never fired")
	}

	waitForState(t, c, StateJoined)
	if els := c.Elements("room-1"); len(els) != 1 || els[0].ID != "e1" {
		t.Errorf("local elements = %+v after snapshot", els)
	}
	if doc := c.Document("room-1"); doc.Content != "hello" {
		t.Errorf("local document = %q after snapshot", doc.Content)
	}
}

func TestClientConnectFailureGoesOffline(t *testing.T) {
	c, err := New(testOptions(failingDial), Callbacks{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()

	if err := c.Connect(context.Background()); err == nil {
		t.Fatalf("Connect succeeded against a refusing dialer")
	}
	if got := c.State(); got != StateOffline {
		t.Errorf("state after failed connect = %s, want %s", got, StateOffline)
	}
}

func TestClientConnectSingleFlight(t *testing.T) {
	conn := newFakeConn()
	var dials int
	var mu sync.Mutex
	dial := func(ctx context.Context, url string) (Conn, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		return conn, nil
	}

	c, err := New(testOptions(dial), Callbacks{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Connect(context.Background())
		}()
	}
	wg.Wait()

	mu.Lock()
	got := dials
	mu.Unlock()
	if got != 1 {
		t.Errorf("%d dials for overlapping Connect calls, want 1", got)
	}
	// A Connect on an already-connected client is a no-op.
	if err := c.Connect(context.Background()); err != nil {
		t.Errorf("Connect on connected client failed: %v", err)
	}
	mu.Lock()
	got = dials
	mu.Unlock()
	if got != 1 {
		t.Errorf("redundant Connect dialed again (%d dials)", got)
	}
}

func TestClientJoinThrottleSuppressesDuplicates(t *testing.T) {
	conn := newFakeConn()
	c, err := New(testOptions(staticDial(conn)), Callbacks{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()
	c.Connect(context.Background())

	// A UI re-render storm: only the first join goes out.
	for i := 0; i < 5; i++ {
		if err := c.JoinRoom("room-1"); err != nil {
			t.Fatalf("JoinRoom failed: %v", err)
		}
	}
	waitForFrames(t, conn, 1)
	time.Sleep(20 * time.Millisecond)

	joins := 0
	for _, typ := range conn.writtenTypes(t) {
		if typ == protocol.EventJoinRoom {
			joins++
		}
	}
	if joins != 1 {
		t.Errorf("%d join frames written, want 1", joins)
	}
}

func TestClientQueuesMutationsWhileOffline(t *testing.T) {
	conn := newFakeConn()
	c, err := New(testOptions(staticDial(conn)), Callbacks{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()

	// Not connected yet: membership intent and mutations are recorded locally.
	if err := c.JoinRoom("room-1"); err != nil {
		t.Fatalf("offline JoinRoom failed: %v", err)
	}
	if err := c.AddElement("room-1", model.WhiteboardElement{ID: "e1", Kind: "stroke"}); err != nil {
		t.Fatalf("offline AddElement failed: %v", err)
	}
	if err := c.UpdateDocument("room-1", "draft"); err != nil {
		t.Fatalf("offline UpdateDocument failed: %v", err)
	}
	if got := c.PendingCount(); got != 2 {
		t.Fatalf("PendingCount = %d, want 2", got)
	}

	// Local reads work before any server contact.
	if els := c.Elements("room-1"); len(els) != 1 {
		t.Errorf("local elements = %+v while offline", els)
	}
	if doc := c.Document("room-1"); doc.Content != "draft" {
		t.Errorf("local document = %q while offline", doc.Content)
	}

	// Ephemeral sends are refused, not queued.
	if err := c.SetTyping("room-1", true); err != nil {
		t.Errorf("offline SetTyping returned %v, want silent drop", err)
	}
	if err := c.SendCallOffer("room-1", "user-b", json.RawMessage(`{}`)); err != ErrNotConnected {
		t.Errorf("offline SendCallOffer returned %v, want ErrNotConnected", err)
	}
	if got := c.PendingCount(); got != 2 {
		t.Errorf("ephemeral sends were queued (PendingCount = %d)", got)
	}

	// On connect: rejoin first, then the queue replays in FIFO order.
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitForFrames(t, conn, 3)

	want := []string{protocol.EventJoinRoom, protocol.EventElementAdd, protocol.EventDocumentUpdate}
	got := conn.writtenTypes(t)
	if len(got) != len(want) {
		t.Fatalf("frames = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if n := c.PendingCount(); n != 0 {
		t.Errorf("PendingCount = %d after replay, want 0", n)
	}
}

func TestClientReconnectExhaustionGoesOffline(t *testing.T) {
	conn := newFakeConn()
	first := true
	var mu sync.Mutex
	dial := func(ctx context.Context, url string) (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		if first {
			first = false
			return conn, nil
		}
		return nil, errors.New("connection refused")
	}

	c, err := New(testOptions(dial), Callbacks{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// The transport dies; bounded reconnects fail; offline is terminal.
	conn.Close()
	waitForState(t, c, StateOffline)

	// No automatic probing after offline: mutations queue silently.
	if err := c.AddElement("room-1", model.WhiteboardElement{ID: "e1", Kind: "stroke"}); err != nil {
		t.Fatalf("AddElement in offline mode failed: %v", err)
	}
	if got := c.PendingCount(); got != 1 {
		t.Errorf("PendingCount = %d, want 1", got)
	}
}

func TestClientEchoSuppression(t *testing.T) {
	conn := newFakeConn()
	added := make(chan string, 4)

	c, err := New(testOptions(staticDial(conn)), Callbacks{
		OnElementAdded: func(roomID string, el model.WhiteboardElement) { added <- el.ID },
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()
	c.Connect(context.Background())
	c.JoinRoom("room-1")

	if err := c.AddElement("room-1", model.WhiteboardElement{ID: "mine", Kind: "stroke"}); err != nil {
		t.Fatalf("AddElement failed: %v", err)
	}

	// The fan-out echoes our own insert back, then delivers a peer's insert.
	conn.serverSend(t, protocol.New(protocol.EventElementAdd, protocol.ElementAddPayload{
		RoomID:  "room-1",
		Element: model.WhiteboardElement{ID: "mine", Kind: "stroke"},
	}))
	conn.serverSend(t, protocol.New(protocol.EventElementAdd, protocol.ElementAddPayload{
		RoomID:  "room-1",
		Element: model.WhiteboardElement{ID: "theirs", Kind: "stroke"},
	}))

	select {
	case id := <-added:
		if id != "theirs" {
			t.Fatalf("OnElementAdded fired for %q, want only the peer's element", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("OnElementAdded never fired for the peer's element")
	}
	select {
	case id := <-added:
		t.Fatalf("unexpected extra OnElementAdded for %q", id)
	case <-time.After(50 * time.Millisecond):
	}

	if els := c.Elements("room-1"); len(els) != 2 {
		t.Errorf("local shadow holds %d elements, want 2", len(els))
	}
}

// feedbackConn injects a peer element-add into the inbound stream for every
// mutation frame the client writes, so the read loop is persisting snapshots
// while the pending queue is still draining.
type feedbackConn struct {
	*fakeConn
	t *testing.T

	mu    sync.Mutex
	peers int
}

func (f *feedbackConn) WriteMessage(data []byte) error {
	if err := f.fakeConn.WriteMessage(data); err != nil {
		return err
	}

	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == protocol.EventJoinRoom {
		return nil
	}

	f.mu.Lock()
	f.peers++
	id := f.peers
	f.mu.Unlock()
	f.serverSend(f.t, protocol.New(protocol.EventElementAdd, protocol.ElementAddPayload{
		RoomID:  "room-1",
		Element: model.WhiteboardElement{ID: fmt.Sprintf("peer-%d", id), Kind: "stroke"},
	}))
	return nil
}

func TestClientDurableReplayWhileEventsArrive(t *testing.T) {
	conn := &feedbackConn{fakeConn: newFakeConn(), t: t}

	opts := testOptions(staticDial(conn))
	opts.BufferPath = t.TempDir() + "/buffer.db"
	c, err := New(opts, Callbacks{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()

	// Queue two mutations against the durable buffer before any connection.
	c.JoinRoom("room-1")
	if err := c.AddElement("room-1", model.WhiteboardElement{ID: "mine", Kind: "stroke"}); err != nil {
		t.Fatalf("offline AddElement failed: %v", err)
	}
	if err := c.UpdateDocument("room-1", "draft"); err != nil {
		t.Fatalf("offline UpdateDocument failed: %v", err)
	}
	if got := c.PendingCount(); got != 2 {
		t.Fatalf("PendingCount = %d, want 2", got)
	}

	// Replay must complete while peer events stream in and get persisted.
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitForFrames(t, conn.fakeConn, 3)

	want := []string{protocol.EventJoinRoom, protocol.EventElementAdd, protocol.EventDocumentUpdate}
	got := conn.writtenTypes(t)
	if len(got) != len(want) {
		t.Fatalf("frames = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if n := c.PendingCount(); n != 0 {
		t.Errorf("PendingCount = %d after replay, want 0", n)
	}

	// The injected peer elements land in the shadow alongside our own.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(c.Elements("room-1")) == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if els := c.Elements("room-1"); len(els) != 3 {
		t.Errorf("shadow holds %d elements, want 3 (ours + 2 peers): %+v", len(els), els)
	}

	// The client is not wedged: local reads and teardown still return.
	if doc := c.Document("room-1"); doc.Content != "draft" {
		t.Errorf("document = %q after replay", doc.Content)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestClientDurableBufferAcrossRestart(t *testing.T) {
	path := t.TempDir() + "/buffer.db"

	opts := testOptions(failingDial)
	opts.BufferPath = path
	c, err := New(opts, Callbacks{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	c.JoinRoom("room-1")
	c.UpdateDocument("room-1", "survives restarts")
	// Close clears the pending queue but keeps the snapshot.
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	opts2 := testOptions(failingDial)
	opts2.BufferPath = path
	c2, err := New(opts2, Callbacks{})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer c2.Close()

	c2.JoinRoom("room-1")
	if doc := c2.Document("room-1"); doc.Content != "survives restarts" {
		t.Errorf("document = %q after restart, want the persisted content", doc.Content)
	}
	if n := c2.PendingCount(); n != 0 {
		t.Errorf("PendingCount = %d after restart, want a cleared queue", n)
	}
}

func TestClientCloseIsIdempotent(t *testing.T) {
	c, err := New(testOptions(failingDial), Callbacks{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if err := c.JoinRoom("room-1"); err != ErrClosed {
		t.Errorf("JoinRoom after Close returned %v, want ErrClosed", err)
	}
	if err := c.Connect(context.Background()); err != ErrClosed {
		t.Errorf("Connect after Close returned %v, want ErrClosed", err)
	}
}
