package client

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"collab-backend/internal/model"
	"collab-backend/internal/protocol"
)

var (
	ErrClosed       = errors.New("client is closed")
	ErrNotConnected = errors.New("not connected")
)

// Options 클라이언트 설정
type Options struct {
	URL         string // ws://host:port/ws/collab
	Token       string // access token, appended as a query parameter
	UserID      string
	DisplayName string

	HandshakeTimeout     time.Duration // bounded connect timeout (default 5s)
	JoinThrottle         time.Duration // min interval between join emissions per room (default 3s)
	MaxReconnectAttempts int           // reconnects before going offline (default 5)
	InitialBackoff       time.Duration // first reconnect delay (default 500ms)
	MaxBackoff           time.Duration // reconnect delay cap (default 10s)

	// BufferPath is the bbolt file backing offline continuity. Empty disables
	// durable buffering; the pending queue then lives in memory only.
	BufferPath string

	// Dial overrides the transport. Defaults to the gorilla/websocket dialer.
	Dial DialFunc
}

func (o *Options) withDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 5 * time.Second
	}
	if o.JoinThrottle <= 0 {
		o.JoinThrottle = 3 * time.Second
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 5
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	if o.Dial == nil {
		o.Dial = gorillaDial
	}
}

// Callbacks 서버 이벤트 수신 콜백 (nil 필드는 무시)
// Invoked sequentially on a dedicated goroutine, in arrival order.
type Callbacks struct {
	OnStateChange func(old, new State)

	OnSnapshot         func(snapshot protocol.RoomSnapshotPayload)
	OnElementAdded     func(roomID string, el model.WhiteboardElement)
	OnElementUpdated   func(roomID, elementID string, fields map[string]json.RawMessage)
	OnElementDeleted   func(roomID, elementID string)
	OnElementsCleared  func(roomID string)
	OnDocumentUpdated  func(roomID, content, userID string)
	OnDocumentMetadata func(roomID string, metadata map[string]any)

	OnParticipantJoined func(roomID, userID, displayName string)
	OnParticipantLeft   func(roomID, userID string)
	OnTyping            func(roomID, userID string, isTyping bool)

	OnAccessGranted func(roomID, userID string)
	OnAccessRevoked func(roomID, userID string)

	OnCallSignal func(eventType string, signal protocol.CallSignalPayload)

	OnError func(code, message string)
}

// connectAttempt is the cached single-flight future for an in-progress
// connect: overlapping calls wait on it instead of dialing twice.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// Client wraps the event channel with the resilience the UI needs over an
// unreliable connection: connect/reconnect lifecycle, join throttling and
// de-duplication, a FIFO pending-action queue, a local shadow of room state,
// and a durable offline buffer.
type Client struct {
	opts Options
	cb   Callbacks

	mu         sync.Mutex
	state      State
	conn       Conn
	attempt    *connectAttempt
	joining    map[string]bool      // per-room join lock
	lastJoinAt map[string]time.Time // per-room join throttle
	joined     map[string]bool      // rooms we are (or intend to be) in
	shadows    map[string]*shadowState
	memPending []protocol.Envelope // FIFO queue when no durable buffer
	store      *OfflineStore

	writeMu sync.Mutex // serializes frames on the wire

	events chan func()
	done   chan struct{}
	closed bool
}

// New creates a client. Callbacks fire on a dedicated goroutine until Close.
func New(opts Options, cb Callbacks) (*Client, error) {
	opts.withDefaults()

	c := &Client{
		opts:       opts,
		cb:         cb,
		state:      StateDisconnected,
		joining:    make(map[string]bool),
		lastJoinAt: make(map[string]time.Time),
		joined:     make(map[string]bool),
		shadows:    make(map[string]*shadowState),
		events:     make(chan func(), 256),
		done:       make(chan struct{}),
	}

	if opts.BufferPath != "" {
		store, err := OpenOfflineStore(opts.BufferPath)
		if err != nil {
			return nil, err
		}
		c.store = store
	}

	go c.eventLoop()
	return c, nil
}

func (c *Client) eventLoop() {
	for {
		select {
		case f := <-c.events:
			f()
		case <-c.done:
			return
		}
	}
}

func (c *Client) emit(f func()) {
	if f == nil {
		return
	}
	select {
	case c.events <- f:
	case <-c.done:
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setStateLocked(next State) {
	if c.state == next {
		return
	}
	old := c.state
	c.state = next
	log.Printf("[Client] State: %s → %s", old, next)
	if c.cb.OnStateChange != nil {
		c.emit(func() { c.cb.OnStateChange(old, next) })
	}
}

// Connect opens the channel connection. Overlapping calls collapse into one
// attempt; a handshake that exceeds the bounded timeout transitions the
// client to offline mode.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch c.state {
	case StateConnected, StateJoining, StateJoined:
		c.mu.Unlock()
		return nil
	}
	if c.attempt != nil {
		att := c.attempt
		c.mu.Unlock()
		<-att.done
		return att.err
	}

	att := &connectAttempt{done: make(chan struct{})}
	c.attempt = att
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	conn, err := c.dial(ctx)

	c.mu.Lock()
	c.attempt = nil
	if err != nil {
		// No acknowledgment within the bounded timeout: degrade to offline.
		c.setStateLocked(StateOffline)
		c.mu.Unlock()
		att.err = err
		close(att.done)
		return err
	}
	c.mu.Unlock()

	c.attach(conn)
	close(att.done)
	return nil
}

func (c *Client) dial(ctx context.Context) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()
	return c.opts.Dial(dialCtx, c.wsURL())
}

func (c *Client) wsURL() string {
	if c.opts.Token == "" {
		return c.opts.URL
	}
	return c.opts.URL + "?token=" + url.QueryEscape(c.opts.Token)
}

// attach installs a live connection, rejoins rooms and replays the pending
// queue in FIFO order.
func (c *Client) attach(conn Conn) {
	c.mu.Lock()
	c.conn = conn
	c.setStateLocked(StateConnected)
	rooms := make([]string, 0, len(c.joined))
	for roomID := range c.joined {
		rooms = append(rooms, roomID)
	}
	if len(rooms) > 0 {
		c.setStateLocked(StateJoining)
	}
	c.mu.Unlock()

	go c.readLoop(conn)

	// Rejoin before replay so queued mutations land in existing rooms. The
	// server downgrades rapid rejoins to a silent resync.
	for _, roomID := range rooms {
		if err := c.sendNow(c.joinEnvelope(roomID)); err != nil {
			log.Printf("[Client] Rejoin of %s failed: %v", roomID, err)
		}
	}
	c.replayPending()
}

func (c *Client) joinEnvelope(roomID string) protocol.Envelope {
	return protocol.New(protocol.EventJoinRoom, protocol.JoinRoomPayload{
		RoomID:      roomID,
		UserID:      c.opts.UserID,
		DisplayName: c.opts.DisplayName,
	})
}

func (c *Client) readLoop(conn Conn) {
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			break
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			log.Printf("[Client] Dropping malformed event: %v", err)
			continue
		}
		c.handleEvent(env)
	}

	c.handleDisconnect(conn)
}

func (c *Client) handleDisconnect(conn Conn) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		// A stale read loop of a connection we already replaced.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.state == StateOffline {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateReconnecting)
	c.mu.Unlock()

	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff
	b.MaxElapsedTime = 0

	for attempt := 1; attempt <= c.opts.MaxReconnectAttempts; attempt++ {
		select {
		case <-time.After(b.NextBackOff()):
		case <-c.done:
			return
		}

		c.mu.Lock()
		if c.closed || c.state != StateReconnecting {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		log.Printf("[Client] Reconnect attempt %d/%d", attempt, c.opts.MaxReconnectAttempts)
		conn, err := c.dial(context.Background())
		if err == nil {
			c.attach(conn)
			return
		}
		log.Printf("[Client] Reconnect failed: %v", err)
	}

	// Bounded retries exhausted: offline mode is a one-way door, no
	// automatic re-probe beyond this point.
	c.mu.Lock()
	c.setStateLocked(StateOffline)
	c.mu.Unlock()
	log.Printf("[Client] Entering offline mode after %d failed reconnects", c.opts.MaxReconnectAttempts)
}

// EnterOffline explicitly switches to offline mode. Reads are served from the
// local buffer; writes keep queueing for an eventual Connect.
func (c *Client) EnterOffline() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.setStateLocked(StateOffline)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// JoinRoom requests membership of a room. Guarded by a per-room join lock and
// a minimum-interval throttle so UI-triggered re-renders cannot fire
// duplicate join requests.
func (c *Client) JoinRoom(roomID string) error {
	if roomID == "" {
		return protocol.ErrMissingRoomID
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.joining[roomID] {
		c.mu.Unlock()
		return nil
	}
	if t, ok := c.lastJoinAt[roomID]; ok && time.Since(t) < c.opts.JoinThrottle {
		c.mu.Unlock()
		return nil
	}
	if c.joined[roomID] && c.state == StateJoined {
		c.mu.Unlock()
		return nil
	}

	c.joining[roomID] = true
	c.lastJoinAt[roomID] = time.Now()
	c.joined[roomID] = true
	c.seedShadowLocked(roomID)

	deliver := c.deliverableLocked()
	if deliver {
		c.setStateLocked(StateJoining)
	}
	c.mu.Unlock()

	var err error
	if deliver {
		err = c.sendNow(c.joinEnvelope(roomID))
	}
	// Not connected: membership intent is recorded; attach rejoins.

	c.mu.Lock()
	delete(c.joining, roomID)
	c.mu.Unlock()
	return err
}

// LeaveRoom leaves a room and forgets the join bookkeeping for it.
func (c *Client) LeaveRoom(roomID string) error {
	c.mu.Lock()
	delete(c.joined, roomID)
	delete(c.lastJoinAt, roomID)
	deliver := c.deliverableLocked()
	c.mu.Unlock()

	if !deliver {
		return nil
	}
	return c.sendNow(protocol.New(protocol.EventLeaveRoom, protocol.LeaveRoomPayload{RoomID: roomID}))
}

// --- state-mutating calls (optimistic, queued while not connected) ---

// AddElement optimistically inserts into the local shadow and sends (or
// queues) the mutation. A duplicate local id is a no-op.
func (c *Client) AddElement(roomID string, el model.WhiteboardElement) error {
	p := protocol.ElementAddPayload{RoomID: roomID, Element: el}
	if err := p.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	sh := c.shadowLocked(roomID)
	if !sh.addElement(el) {
		c.mu.Unlock()
		log.Printf("[Client] Duplicate element id %s, insert ignored", el.ID)
		return nil
	}
	c.persistLocked(roomID, sh)
	return c.deliverOrQueueLocked(protocol.New(protocol.EventElementAdd, p))
}

// UpdateElement shallow-merges fields into an element, locally and remotely.
func (c *Client) UpdateElement(roomID, elementID string, fields map[string]json.RawMessage) error {
	p := protocol.ElementUpdatePayload{RoomID: roomID, ElementID: elementID, Fields: fields}
	if err := p.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	sh := c.shadowLocked(roomID)
	sh.updateElement(elementID, fields)
	c.persistLocked(roomID, sh)
	return c.deliverOrQueueLocked(protocol.New(protocol.EventElementUpdate, p))
}

// DeleteElement removes an element, locally and remotely.
func (c *Client) DeleteElement(roomID, elementID string) error {
	p := protocol.ElementDeletePayload{RoomID: roomID, ElementID: elementID}
	if err := p.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	sh := c.shadowLocked(roomID)
	sh.deleteElement(elementID)
	c.persistLocked(roomID, sh)
	return c.deliverOrQueueLocked(protocol.New(protocol.EventElementDelete, p))
}

// ClearElements empties the room's whiteboard, locally and remotely.
func (c *Client) ClearElements(roomID string) error {
	p := protocol.ElementsClearPayload{RoomID: roomID}
	if err := p.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	sh := c.shadowLocked(roomID)
	sh.clear()
	c.persistLocked(roomID, sh)
	return c.deliverOrQueueLocked(protocol.New(protocol.EventElementsClear, p))
}

// UpdateDocument replaces the shared document content.
func (c *Client) UpdateDocument(roomID, content string) error {
	p := protocol.DocumentUpdatePayload{RoomID: roomID, Content: content, UserID: c.opts.UserID}
	if err := p.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	sh := c.shadowLocked(roomID)
	sh.setDocument(content, c.opts.UserID)
	c.persistLocked(roomID, sh)
	return c.deliverOrQueueLocked(protocol.New(protocol.EventDocumentUpdate, p))
}

// UpdateDocumentMetadata shallow-merges fields into the document metadata.
func (c *Client) UpdateDocumentMetadata(roomID string, metadata map[string]any) error {
	p := protocol.DocumentMetadataPayload{RoomID: roomID, Metadata: metadata, UserID: c.opts.UserID}
	if err := p.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	sh := c.shadowLocked(roomID)
	sh.mergeMetadata(metadata)
	c.persistLocked(roomID, sh)
	return c.deliverOrQueueLocked(protocol.New(protocol.EventDocumentMetadataUpdate, p))
}

// --- ephemeral and unicast calls (never queued) ---

// SetTyping sends the typing status. Ephemeral: dropped when not connected.
func (c *Client) SetTyping(roomID string, isTyping bool) error {
	p := protocol.TypingStatusPayload{RoomID: roomID, UserID: c.opts.UserID, IsTyping: isTyping}
	if err := p.Validate(); err != nil {
		return err
	}
	if !c.deliverable() {
		return nil
	}
	return c.sendNow(protocol.New(protocol.EventTypingStatus, p))
}

// Grant adds a user to the room's access-grant set.
func (c *Client) Grant(roomID, userID string) error {
	return c.sendAccess(protocol.EventAccessGrant, roomID, userID)
}

// Revoke removes a user from the room's access-grant set.
func (c *Client) Revoke(roomID, userID string) error {
	return c.sendAccess(protocol.EventAccessRevoke, roomID, userID)
}

func (c *Client) sendAccess(eventType, roomID, userID string) error {
	p := protocol.AccessPayload{RoomID: roomID, UserID: userID}
	if err := p.Validate(); err != nil {
		return err
	}
	if !c.deliverable() {
		return ErrNotConnected
	}
	return c.sendNow(protocol.New(eventType, p))
}

// SendCallOffer relays a WebRTC offer to one participant.
func (c *Client) SendCallOffer(roomID, targetUserID string, signal json.RawMessage) error {
	return c.sendSignal(protocol.EventCallOffer, roomID, targetUserID, signal)
}

// SendCallAnswer relays a WebRTC answer to one participant.
func (c *Client) SendCallAnswer(roomID, targetUserID string, signal json.RawMessage) error {
	return c.sendSignal(protocol.EventCallAnswer, roomID, targetUserID, signal)
}

// SendCallICECandidate relays an ICE candidate to one participant.
func (c *Client) SendCallICECandidate(roomID, targetUserID string, signal json.RawMessage) error {
	return c.sendSignal(protocol.EventCallICECandidate, roomID, targetUserID, signal)
}

func (c *Client) sendSignal(eventType, roomID, targetUserID string, signal json.RawMessage) error {
	p := protocol.CallSignalPayload{
		RoomID:       roomID,
		TargetUserID: targetUserID,
		FromUserID:   c.opts.UserID,
		Signal:       signal,
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if !c.deliverable() {
		return ErrNotConnected
	}
	return c.sendNow(protocol.New(eventType, p))
}

// Ping sends a keepalive probe.
func (c *Client) Ping() error {
	if !c.deliverable() {
		return ErrNotConnected
	}
	return c.sendNow(protocol.New(protocol.EventPing, nil))
}

// --- local reads (served from the shadow, work in offline mode) ---

// Elements returns the local copy of a room's whiteboard.
func (c *Client) Elements(roomID string) []model.WhiteboardElement {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shadowLocked(roomID).snapshot().Elements
}

// Document returns the local copy of a room's document.
func (c *Client) Document(roomID string) model.DocumentState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shadowLocked(roomID).document
}

// PendingCount returns the number of queued mutations awaiting replay.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store != nil {
		n, err := c.store.PendingCount()
		if err != nil {
			return 0
		}
		return n
	}
	return len(c.memPending)
}

// Close tears the client down: the connection is closed and the pending
// queue is cleared wholesale. There is no mid-flight cancellation of an
// individual mutation.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.memPending = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		conn.Close()
	}
	if c.store != nil {
		if err := c.store.ClearPending(); err != nil {
			log.Printf("[Client] Failed to clear pending queue: %v", err)
		}
		return c.store.Close()
	}
	return nil
}

// --- internals ---

func (c *Client) deliverable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deliverableLocked()
}

func (c *Client) deliverableLocked() bool {
	switch c.state {
	case StateConnected, StateJoining, StateJoined:
		return c.conn != nil
	}
	return false
}

// deliverOrQueueLocked sends the envelope when connected, otherwise appends
// it to the FIFO pending queue. Unlocks c.mu.
func (c *Client) deliverOrQueueLocked(env protocol.Envelope) error {
	if c.deliverableLocked() {
		c.mu.Unlock()
		if err := c.sendNow(env); err != nil {
			log.Printf("[Client] Send of %s failed: %v", env.Type, err)
			return err
		}
		return nil
	}

	c.queueLocked(env)
	c.mu.Unlock()
	return nil
}

func (c *Client) queueLocked(env protocol.Envelope) {
	if c.store != nil {
		if err := c.store.AppendPending(env); err != nil {
			log.Printf("[Client] Failed to persist pending %s: %v", env.Type, err)
			c.memPending = append(c.memPending, env)
		}
		return
	}
	c.memPending = append(c.memPending, env)
}

func (c *Client) replayPending() {
	if c.store != nil {
		if err := c.store.DrainPending(c.sendNow); err != nil {
			log.Printf("[Client] Pending replay failed: %v", err)
		}
	}

	c.mu.Lock()
	queue := c.memPending
	c.memPending = nil
	c.mu.Unlock()

	for _, env := range queue {
		if err := c.sendNow(env); err != nil {
			log.Printf("[Client] Replay of %s failed: %v", env.Type, err)
		}
	}
}

func (c *Client) sendNow(env protocol.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(data)
}

func (c *Client) shadowLocked(roomID string) *shadowState {
	sh, ok := c.shadows[roomID]
	if !ok {
		sh = newShadow()
		c.shadows[roomID] = sh
	}
	return sh
}

// seedShadowLocked restores a persisted snapshot on first use of a room so
// offline reads survive a process restart.
func (c *Client) seedShadowLocked(roomID string) {
	if _, ok := c.shadows[roomID]; ok || c.store == nil {
		return
	}
	snap, found, err := c.store.LoadSnapshot(roomID)
	if err != nil || !found {
		c.shadows[roomID] = newShadow()
		return
	}
	sh := newShadow()
	sh.replace(snap.Elements, snap.Document)
	c.shadows[roomID] = sh
}

func (c *Client) persistLocked(roomID string, sh *shadowState) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveSnapshot(roomID, sh.snapshot()); err != nil {
		log.Printf("[Client] Failed to persist snapshot of %s: %v", roomID, err)
	}
}
