package handler

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"

	"collab-backend/internal/collab"
	"collab-backend/internal/protocol"
)

// CollabWSHandler 협업 WebSocket 핸들러
// One connection may join any number of rooms; events carry the room id.
type CollabWSHandler struct {
	manager *collab.Manager
}

// NewCollabWSHandler CollabWSHandler 생성
func NewCollabWSHandler(manager *collab.Manager) *CollabWSHandler {
	return &CollabWSHandler{manager: manager}
}

// wsSubscriber adapts a websocket connection to the collab.Subscriber
// interface. Writes are serialized per connection.
type wsSubscriber struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *wsSubscriber) ConnID() string {
	return s.id
}

func (s *wsSubscriber) Send(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// HandleWebSocket WebSocket 연결 처리
func (h *CollabWSHandler) HandleWebSocket(c *websocket.Conn) {
	// 패닉 복구 - 서버 크래시 방지
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[CollabWS] Recovered from panic: %v", r)
		}
	}()

	userID, _ := c.Locals("userId").(string)
	displayName, _ := c.Locals("displayName").(string)

	sub := &wsSubscriber{
		id:   uuid.New().String(),
		conn: c,
	}

	log.Printf("[CollabWS] Connected: user=%s conn=%s", userID, sub.id)

	// 연결 해제 시 정리 (명시적 leave 없이 끊긴 연결 포함)
	defer func() {
		h.manager.DisconnectConn(sub.id)
		c.Close()
		log.Printf("[CollabWS] Disconnected: user=%s conn=%s", userID, sub.id)
	}()

	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			break
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			h.sendError(sub, "bad-event", err.Error())
			continue
		}

		h.dispatch(sub, userID, displayName, env)
	}
}

// dispatch routes one decoded event. Errors are answered to the sender only,
// never broadcast, and a bad event cannot take the connection down.
func (h *CollabWSHandler) dispatch(sub *wsSubscriber, userID, displayName string, env *protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[CollabWS] Recovered from panic in %s handler: %v", env.Type, r)
		}
	}()

	switch env.Type {
	case protocol.EventJoinRoom:
		var p protocol.JoinRoomPayload
		if !h.bind(sub, env, &p) {
			return
		}
		// The authenticated identity wins over whatever the payload claims.
		if userID != "" {
			p.UserID = userID
		}
		if p.DisplayName == "" {
			p.DisplayName = displayName
		}
		if err := p.Validate(); err != nil {
			h.sendError(sub, "bad-join", err.Error())
			return
		}

		snapshot, resync, err := h.manager.Join(p.RoomID, p.UserID, p.DisplayName, sub)
		if err != nil {
			h.sendError(sub, "bad-join", err.Error())
			return
		}
		if resync {
			log.Printf("[CollabWS] Resync for %s in room %s (join within throttle window)", p.UserID, p.RoomID)
		}
		if err := sub.Send(protocol.New(protocol.EventRoomSnapshot, snapshot)); err != nil {
			log.Printf("[CollabWS] Failed to send snapshot to %s: %v", sub.id, err)
		}

	case protocol.EventLeaveRoom:
		var p protocol.LeaveRoomPayload
		if !h.bind(sub, env, &p) {
			return
		}
		if err := p.Validate(); err != nil {
			h.sendError(sub, "bad-leave", err.Error())
			return
		}
		h.manager.Leave(p.RoomID, userID)

	case protocol.EventElementAdd:
		var p protocol.ElementAddPayload
		if !h.bindValid(sub, env, &p) {
			return
		}
		if room := h.mutableRoom(sub, p.RoomID, userID); room != nil {
			room.AddElement(p.Element)
		}

	case protocol.EventElementUpdate:
		var p protocol.ElementUpdatePayload
		if !h.bindValid(sub, env, &p) {
			return
		}
		if room := h.mutableRoom(sub, p.RoomID, userID); room != nil {
			room.UpdateElement(p.ElementID, p.Fields)
		}

	case protocol.EventElementDelete:
		var p protocol.ElementDeletePayload
		if !h.bindValid(sub, env, &p) {
			return
		}
		if room := h.mutableRoom(sub, p.RoomID, userID); room != nil {
			room.DeleteElement(p.ElementID)
		}

	case protocol.EventElementsClear:
		var p protocol.ElementsClearPayload
		if !h.bindValid(sub, env, &p) {
			return
		}
		if room := h.mutableRoom(sub, p.RoomID, userID); room != nil {
			room.ClearElements()
		}

	case protocol.EventDocumentUpdate:
		var p protocol.DocumentUpdatePayload
		if !h.bindValid(sub, env, &p) {
			return
		}
		if room := h.mutableRoom(sub, p.RoomID, userID); room != nil {
			room.UpdateDocument(p.Content, userID)
		}

	case protocol.EventDocumentMetadataUpdate:
		var p protocol.DocumentMetadataPayload
		if !h.bindValid(sub, env, &p) {
			return
		}
		if room := h.mutableRoom(sub, p.RoomID, userID); room != nil {
			room.MergeDocumentMetadata(p.Metadata, userID)
		}

	case protocol.EventTypingStatus:
		var p protocol.TypingStatusPayload
		if !h.bindValid(sub, env, &p) {
			return
		}
		if room, ok := h.manager.Get(p.RoomID); ok {
			room.SetTyping(p.UserID, p.IsTyping)
		}

	case protocol.EventAccessGrant:
		var p protocol.AccessPayload
		if !h.bindValid(sub, env, &p) {
			return
		}
		if room, ok := h.manager.Get(p.RoomID); ok {
			room.Grant(p.UserID)
		}

	case protocol.EventAccessRevoke:
		var p protocol.AccessPayload
		if !h.bindValid(sub, env, &p) {
			return
		}
		if room, ok := h.manager.Get(p.RoomID); ok {
			room.Revoke(p.UserID)
		}

	case protocol.EventCallOffer, protocol.EventCallAnswer, protocol.EventCallICECandidate:
		var p protocol.CallSignalPayload
		if !h.bindValid(sub, env, &p) {
			return
		}
		if userID != "" {
			p.FromUserID = userID
		}
		if room, ok := h.manager.Get(p.RoomID); ok {
			room.Relay(env.Type, p)
		}

	case protocol.EventPing:
		if err := sub.Send(protocol.New(protocol.EventPong, nil)); err != nil {
			log.Printf("[CollabWS] Failed to send pong to %s: %v", sub.id, err)
		}

	default:
		// Server-to-client event types arriving from a client.
		h.sendError(sub, "bad-event", "unexpected event type: "+env.Type)
	}
}

// validatable is implemented by all C→S payloads.
type validatable interface {
	Validate() error
}

func (h *CollabWSHandler) bind(sub *wsSubscriber, env *protocol.Envelope, p any) bool {
	if err := env.Bind(p); err != nil {
		h.sendError(sub, "bad-payload", err.Error())
		return false
	}
	return true
}

func (h *CollabWSHandler) bindValid(sub *wsSubscriber, env *protocol.Envelope, p validatable) bool {
	if !h.bind(sub, env, p) {
		return false
	}
	if err := p.Validate(); err != nil {
		h.sendError(sub, "bad-payload", err.Error())
		return false
	}
	return true
}

// mutableRoom returns the room if it exists and the user may mutate shared
// state. A mutation for an unknown room is silently dropped; an access miss
// is answered to the sender only.
func (h *CollabWSHandler) mutableRoom(sub *wsSubscriber, roomID, userID string) *collab.Room {
	room, ok := h.manager.Get(roomID)
	if !ok {
		log.Printf("[CollabWS] Mutation for unknown room %s ignored", roomID)
		return nil
	}
	if userID != "" && !room.HasAccess(userID) {
		h.sendError(sub, "access-denied", "no access grant for room "+roomID)
		return nil
	}
	return room
}

func (h *CollabWSHandler) sendError(sub *wsSubscriber, code, message string) {
	err := sub.Send(protocol.New(protocol.EventError, protocol.ErrorPayload{
		Code:    code,
		Message: message,
	}))
	if err != nil {
		log.Printf("[CollabWS] Failed to send error to %s: %v", sub.id, err)
	}
}
