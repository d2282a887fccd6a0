package collab

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"collab-backend/internal/model"
	"collab-backend/internal/protocol"
)

var (
	ErrMissingRoomID = errors.New("roomId is required")
	ErrMissingUserID = errors.New("userId is required")
)

// participantEntry pairs the public participant record with join bookkeeping.
type participantEntry struct {
	participant model.Participant
	lastJoinAt  time.Time
}

// Room is the aggregate owning all mutable state of one collaboration room:
// presence, whiteboard elements, the shared document, the access-grant set and
// typing status. All mutation goes through its methods; the internal mutex
// serializes events across connections, which is the only ordering guarantee
// the engine provides (arrival order within one process).
//
// Conflict policy is last-write-wins: mutations are applied in arrival order
// and fanned out verbatim to every subscriber, including the sender.
type Room struct {
	ID string

	mu           sync.Mutex
	participants map[string]*participantEntry // userID -> entry
	subscribers  map[string]Subscriber        // connID -> subscriber
	elements     []model.WhiteboardElement    // insertion order preserved
	document     model.DocumentState
	access       map[string]struct{}
	typing       map[string]bool

	joinThrottle time.Duration
	now          func() time.Time
}

// NewRoom creates an empty room. Rooms are created lazily on first join and
// garbage-collected only when the last participant is gone.
func NewRoom(id string, joinThrottle time.Duration) *Room {
	return &Room{
		ID:           id,
		participants: make(map[string]*participantEntry),
		subscribers:  make(map[string]Subscriber),
		access:       make(map[string]struct{}),
		typing:       make(map[string]bool),
		joinThrottle: joinThrottle,
		now:          time.Now,
	}
}

// Join registers or refreshes a participant and returns the current room
// snapshot. Rapid repeated joins of the same user within the throttle window
// are downgraded to a silent resync: the snapshot is re-sent but no
// "participant-joined" event is broadcast, so reconnect storms do not spam
// the rest of the room.
func (r *Room) Join(userID, displayName string, sub Subscriber) (protocol.RoomSnapshotPayload, bool, error) {
	if userID == "" {
		return protocol.RoomSnapshotPayload{}, false, ErrMissingUserID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	entry, exists := r.participants[userID]

	if exists {
		// Reconnect: refresh the connection in place, identity preserved.
		if old := entry.participant.ConnectionID; old != "" && old != sub.ConnID() {
			delete(r.subscribers, old)
		}
		entry.participant.ConnectionID = sub.ConnID()
		entry.participant.LastActiveAt = now
		if displayName != "" {
			entry.participant.DisplayName = displayName
		}
		r.subscribers[sub.ConnID()] = sub

		withinWindow := now.Sub(entry.lastJoinAt) < r.joinThrottle
		entry.lastJoinAt = now

		if withinWindow {
			// Silent resync, no join broadcast.
			return r.snapshotLocked(), true, nil
		}
	} else {
		r.participants[userID] = &participantEntry{
			participant: model.Participant{
				UserID:       userID,
				DisplayName:  displayName,
				ConnectionID: sub.ConnID(),
				LastActiveAt: now,
			},
			lastJoinAt: now,
		}
		r.subscribers[sub.ConnID()] = sub
	}

	r.broadcastLocked(protocol.New(protocol.EventParticipantJoined, protocol.ParticipantJoinedPayload{
		RoomID:      r.ID,
		UserID:      userID,
		DisplayName: displayName,
	}))

	return r.snapshotLocked(), false, nil
}

// Leave removes a participant and broadcasts the departure. Leaving a room
// one is not in is a no-op.
func (r *Room) Leave(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.participants[userID]
	if !ok {
		return false
	}

	delete(r.participants, userID)
	delete(r.subscribers, entry.participant.ConnectionID)
	delete(r.typing, userID)

	r.broadcastLocked(protocol.New(protocol.EventParticipantLeft, protocol.ParticipantLeftPayload{
		RoomID: r.ID,
		UserID: userID,
	}))
	return true
}

// DropConn removes the participant attached via the given connection, if any.
// This handles transport-level disconnects without an explicit leave (tab
// close, network loss) identically to an explicit leave.
func (r *Room) DropConn(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for userID, entry := range r.participants {
		if entry.participant.ConnectionID != connID {
			continue
		}
		delete(r.participants, userID)
		delete(r.subscribers, connID)
		delete(r.typing, userID)

		r.broadcastLocked(protocol.New(protocol.EventParticipantLeft, protocol.ParticipantLeftPayload{
			RoomID: r.ID,
			UserID: userID,
		}))
		return userID, true
	}

	// The connection may be subscribed without a live participant entry.
	delete(r.subscribers, connID)
	return "", false
}

// AddElement inserts a whiteboard element. Inserting an id that already exists
// in the room is a no-op, not an overwrite.
func (r *Room) AddElement(el model.WhiteboardElement) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.findElementLocked(el.ID) >= 0 {
		log.Printf("[Room %s] Duplicate element id %s, insert ignored", r.ID, el.ID)
		return false
	}

	r.elements = append(r.elements, el)

	r.broadcastLocked(protocol.New(protocol.EventElementAdd, protocol.ElementAddPayload{
		RoomID:  r.ID,
		Element: el,
	}))
	return true
}

// UpdateElement shallow-merges the given fields into an existing element.
// Updating a nonexistent id is a silent no-op: the next full snapshot is
// expected to reconcile it.
func (r *Room) UpdateElement(elementID string, fields map[string]json.RawMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.findElementLocked(elementID)
	if i < 0 {
		return false
	}

	if err := r.elements[i].Merge(fields); err != nil {
		log.Printf("[Room %s] Failed to merge element %s: %v", r.ID, elementID, err)
		return false
	}

	r.broadcastLocked(protocol.New(protocol.EventElementUpdate, protocol.ElementUpdatePayload{
		RoomID:    r.ID,
		ElementID: elementID,
		Fields:    fields,
	}))
	return true
}

// DeleteElement removes an element. Deleting a nonexistent id is a silent no-op.
func (r *Room) DeleteElement(elementID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.findElementLocked(elementID)
	if i < 0 {
		return false
	}

	r.elements = append(r.elements[:i], r.elements[i+1:]...)

	r.broadcastLocked(protocol.New(protocol.EventElementDelete, protocol.ElementDeletePayload{
		RoomID:    r.ID,
		ElementID: elementID,
	}))
	return true
}

// ClearElements replaces the whole element collection with empty.
func (r *Room) ClearElements() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.elements = nil

	r.broadcastLocked(protocol.New(protocol.EventElementsClear, protocol.ElementsClearPayload{
		RoomID: r.ID,
	}))
}

// UpdateDocument replaces the document content wholesale. No operational diff,
// no merge: last write wins in arrival order.
func (r *Room) UpdateDocument(content, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.document.Content = content
	r.document.LastUpdatedAt = r.now()
	r.document.LastUpdatedBy = userID

	r.broadcastLocked(protocol.New(protocol.EventDocumentUpdate, protocol.DocumentUpdatePayload{
		RoomID:  r.ID,
		Content: content,
		UserID:  userID,
	}))
}

// MergeDocumentMetadata shallow-merges fields into the document metadata.
func (r *Room) MergeDocumentMetadata(metadata map[string]any, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.document.MergeMetadata(metadata)
	r.document.LastUpdatedAt = r.now()
	r.document.LastUpdatedBy = userID

	r.broadcastLocked(protocol.New(protocol.EventDocumentMetadataUpdate, protocol.DocumentMetadataPayload{
		RoomID:   r.ID,
		Metadata: metadata,
		UserID:   userID,
	}))
}

// Grant adds a user to the access-grant set.
func (r *Room) Grant(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.access[userID] = struct{}{}

	r.broadcastLocked(protocol.New(protocol.EventAccessGrant, protocol.AccessPayload{
		RoomID: r.ID,
		UserID: userID,
	}))
}

// Revoke removes a user from the access-grant set.
func (r *Room) Revoke(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.access, userID)

	r.broadcastLocked(protocol.New(protocol.EventAccessRevoke, protocol.AccessPayload{
		RoomID: r.ID,
		UserID: userID,
	}))
}

// HasAccess reports whether a user may mutate the room. An empty grant set
// means unrestricted access (default-open).
func (r *Room) HasAccess(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.access) == 0 {
		return true
	}
	_, ok := r.access[userID]
	return ok
}

// SetTyping updates a user's typing status. Ephemeral: never persisted and
// not part of the snapshot.
func (r *Room) SetTyping(userID string, isTyping bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if isTyping {
		r.typing[userID] = true
	} else {
		delete(r.typing, userID)
	}

	r.broadcastLocked(protocol.New(protocol.EventTypingStatus, protocol.TypingStatusPayload{
		RoomID:   r.ID,
		UserID:   userID,
		IsTyping: isTyping,
	}))
}

// TypingUsers returns the users currently marked as typing.
func (r *Room) TypingUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make([]string, 0, len(r.typing))
	for u := range r.typing {
		users = append(users, u)
	}
	return users
}

// Relay forwards a call-signaling event to the target participant's current
// connection only. If the target is not present the message is dropped
// silently: call setup is retried by the caller's own timeout logic.
func (r *Room) Relay(eventType string, payload protocol.CallSignalPayload) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.participants[payload.TargetUserID]
	if !ok {
		log.Printf("[Room %s] Signal %s dropped, target %s not present", r.ID, eventType, payload.TargetUserID)
		return false
	}

	sub, ok := r.subscribers[entry.participant.ConnectionID]
	if !ok {
		log.Printf("[Room %s] Signal %s dropped, target %s has no live connection", r.ID, eventType, payload.TargetUserID)
		return false
	}

	if err := sub.Send(protocol.New(eventType, payload)); err != nil {
		log.Printf("[Room %s] Failed to relay %s to %s: %v", r.ID, eventType, payload.TargetUserID, err)
		return false
	}
	return true
}

// Snapshot returns the full current room state sent on join/resync.
func (r *Room) Snapshot() protocol.RoomSnapshotPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Participants returns the current participant list.
func (r *Room) Participants() []model.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.Participant, 0, len(r.participants))
	for _, entry := range r.participants {
		out = append(out, entry.participant)
	}
	return out
}

// Empty reports whether the room has no participants and no subscribers.
func (r *Room) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants) == 0 && len(r.subscribers) == 0
}

func (r *Room) snapshotLocked() protocol.RoomSnapshotPayload {
	elements := make([]model.WhiteboardElement, len(r.elements))
	copy(elements, r.elements)

	participants := make([]model.Participant, 0, len(r.participants))
	for _, entry := range r.participants {
		participants = append(participants, entry.participant)
	}

	var granted []string
	for userID := range r.access {
		granted = append(granted, userID)
	}

	return protocol.RoomSnapshotPayload{
		RoomID:        r.ID,
		Elements:      elements,
		Document:      r.document,
		Participants:  participants,
		AccessGranted: granted,
	}
}

func (r *Room) findElementLocked(id string) int {
	for i := range r.elements {
		if r.elements[i].ID == id {
			return i
		}
	}
	return -1
}

// broadcastLocked fans an event out to every subscriber, including the
// originator. Send errors are logged, never propagated: one dead connection
// cannot corrupt the room.
func (r *Room) broadcastLocked(env protocol.Envelope) {
	for connID, sub := range r.subscribers {
		if err := sub.Send(env); err != nil {
			log.Printf("[Room %s] Failed to send to %s: %v", r.ID, connID, err)
		}
	}
}
