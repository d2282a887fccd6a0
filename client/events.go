package client

import (
	"log"

	"collab-backend/internal/protocol"
)

// handleEvent applies a server event to the local shadow and dispatches the
// matching callback. Called from the read loop only, so events of one
// connection are processed in arrival order.
func (c *Client) handleEvent(env *protocol.Envelope) {
	switch env.Type {
	case protocol.EventRoomSnapshot:
		var p protocol.RoomSnapshotPayload
		if err := env.Bind(&p); err != nil {
			log.Printf("[Client] Bad snapshot payload: %v", err)
			return
		}
		c.applySnapshot(p)

	case protocol.EventElementAdd:
		var p protocol.ElementAddPayload
		if err := env.Bind(&p); err != nil {
			return
		}
		c.mu.Lock()
		sh := c.shadowLocked(p.RoomID)
		added := sh.addElement(p.Element)
		c.persistLocked(p.RoomID, sh)
		c.mu.Unlock()
		// Our own optimistic insert echoes back; no callback for the echo.
		if added && c.cb.OnElementAdded != nil {
			c.emit(func() { c.cb.OnElementAdded(p.RoomID, p.Element) })
		}

	case protocol.EventElementUpdate:
		var p protocol.ElementUpdatePayload
		if err := env.Bind(&p); err != nil {
			return
		}
		c.mu.Lock()
		sh := c.shadowLocked(p.RoomID)
		sh.updateElement(p.ElementID, p.Fields)
		c.persistLocked(p.RoomID, sh)
		c.mu.Unlock()
		if c.cb.OnElementUpdated != nil {
			c.emit(func() { c.cb.OnElementUpdated(p.RoomID, p.ElementID, p.Fields) })
		}

	case protocol.EventElementDelete:
		var p protocol.ElementDeletePayload
		if err := env.Bind(&p); err != nil {
			return
		}
		c.mu.Lock()
		sh := c.shadowLocked(p.RoomID)
		sh.deleteElement(p.ElementID)
		c.persistLocked(p.RoomID, sh)
		c.mu.Unlock()
		if c.cb.OnElementDeleted != nil {
			c.emit(func() { c.cb.OnElementDeleted(p.RoomID, p.ElementID) })
		}

	case protocol.EventElementsClear:
		var p protocol.ElementsClearPayload
		if err := env.Bind(&p); err != nil {
			return
		}
		c.mu.Lock()
		sh := c.shadowLocked(p.RoomID)
		sh.clear()
		c.persistLocked(p.RoomID, sh)
		c.mu.Unlock()
		if c.cb.OnElementsCleared != nil {
			c.emit(func() { c.cb.OnElementsCleared(p.RoomID) })
		}

	case protocol.EventDocumentUpdate:
		var p protocol.DocumentUpdatePayload
		if err := env.Bind(&p); err != nil {
			return
		}
		c.mu.Lock()
		sh := c.shadowLocked(p.RoomID)
		sh.setDocument(p.Content, p.UserID)
		c.persistLocked(p.RoomID, sh)
		c.mu.Unlock()
		if c.cb.OnDocumentUpdated != nil {
			c.emit(func() { c.cb.OnDocumentUpdated(p.RoomID, p.Content, p.UserID) })
		}

	case protocol.EventDocumentMetadataUpdate:
		var p protocol.DocumentMetadataPayload
		if err := env.Bind(&p); err != nil {
			return
		}
		c.mu.Lock()
		sh := c.shadowLocked(p.RoomID)
		sh.mergeMetadata(p.Metadata)
		c.persistLocked(p.RoomID, sh)
		c.mu.Unlock()
		if c.cb.OnDocumentMetadata != nil {
			c.emit(func() { c.cb.OnDocumentMetadata(p.RoomID, p.Metadata) })
		}

	case protocol.EventParticipantJoined:
		var p protocol.ParticipantJoinedPayload
		if err := env.Bind(&p); err != nil {
			return
		}
		if c.cb.OnParticipantJoined != nil {
			c.emit(func() { c.cb.OnParticipantJoined(p.RoomID, p.UserID, p.DisplayName) })
		}

	case protocol.EventParticipantLeft:
		var p protocol.ParticipantLeftPayload
		if err := env.Bind(&p); err != nil {
			return
		}
		if c.cb.OnParticipantLeft != nil {
			c.emit(func() { c.cb.OnParticipantLeft(p.RoomID, p.UserID) })
		}

	case protocol.EventTypingStatus:
		var p protocol.TypingStatusPayload
		if err := env.Bind(&p); err != nil {
			return
		}
		if c.cb.OnTyping != nil {
			c.emit(func() { c.cb.OnTyping(p.RoomID, p.UserID, p.IsTyping) })
		}

	case protocol.EventAccessGrant:
		var p protocol.AccessPayload
		if err := env.Bind(&p); err != nil {
			return
		}
		if c.cb.OnAccessGranted != nil {
			c.emit(func() { c.cb.OnAccessGranted(p.RoomID, p.UserID) })
		}

	case protocol.EventAccessRevoke:
		var p protocol.AccessPayload
		if err := env.Bind(&p); err != nil {
			return
		}
		if c.cb.OnAccessRevoked != nil {
			c.emit(func() { c.cb.OnAccessRevoked(p.RoomID, p.UserID) })
		}

	case protocol.EventCallOffer, protocol.EventCallAnswer, protocol.EventCallICECandidate:
		var p protocol.CallSignalPayload
		if err := env.Bind(&p); err != nil {
			return
		}
		if c.cb.OnCallSignal != nil {
			eventType := env.Type
			c.emit(func() { c.cb.OnCallSignal(eventType, p) })
		}

	case protocol.EventError:
		var p protocol.ErrorPayload
		if err := env.Bind(&p); err != nil {
			return
		}
		log.Printf("[Client] Server error %s: %s", p.Code, p.Message)
		if c.cb.OnError != nil {
			c.emit(func() { c.cb.OnError(p.Code, p.Message) })
		}

	case protocol.EventPong:
		// keepalive ack

	default:
		log.Printf("[Client] Ignoring event type %s", env.Type)
	}
}

// applySnapshot replaces the room's shadow with the authoritative state and
// marks the join as settled.
func (c *Client) applySnapshot(p protocol.RoomSnapshotPayload) {
	c.mu.Lock()
	sh := c.shadowLocked(p.RoomID)
	sh.replace(p.Elements, p.Document)
	c.persistLocked(p.RoomID, sh)
	c.joined[p.RoomID] = true
	if c.state == StateConnected || c.state == StateJoining {
		c.setStateLocked(StateJoined)
	}
	c.mu.Unlock()

	if c.cb.OnSnapshot != nil {
		c.emit(func() { c.cb.OnSnapshot(p) })
	}
}
