package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"collab-backend/internal/model"
)

// Version is the current wire version. Envelopes without a version field are
// treated as version 1 for compatibility with older clients.
const Version = 1

// Event type discriminants. The vocabulary is closed: anything else is
// rejected before dispatch.
const (
	EventJoinRoom  = "join-room"
	EventLeaveRoom = "leave-room"

	EventRoomSnapshot      = "room-snapshot"
	EventParticipantJoined = "participant-joined"
	EventParticipantLeft   = "participant-left"

	EventElementAdd    = "element-add"
	EventElementUpdate = "element-update"
	EventElementDelete = "element-delete"
	EventElementsClear = "elements-clear"

	EventDocumentUpdate         = "document-update"
	EventDocumentMetadataUpdate = "document-metadata-update"

	EventTypingStatus = "typing-status"

	EventAccessGrant  = "access-grant"
	EventAccessRevoke = "access-revoke"

	EventCallOffer        = "call-offer"
	EventCallAnswer       = "call-answer"
	EventCallICECandidate = "call-ice-candidate"

	EventError = "error"
	EventPing  = "ping"
	EventPong  = "pong"
)

var (
	ErrUnknownType    = errors.New("unknown event type")
	ErrMissingRoomID  = errors.New("roomId is required")
	ErrMissingUserID  = errors.New("userId is required")
	ErrMissingElement = errors.New("element id is required")
)

// Envelope 이벤트 채널을 오가는 모든 메시지의 공통 형태
type Envelope struct {
	V       int             `json:"v,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// knownTypes is the closed set of accepted discriminants.
var knownTypes = map[string]bool{
	EventJoinRoom:  true,
	EventLeaveRoom: true,

	EventRoomSnapshot:      true,
	EventParticipantJoined: true,
	EventParticipantLeft:   true,

	EventElementAdd:    true,
	EventElementUpdate: true,
	EventElementDelete: true,
	EventElementsClear: true,

	EventDocumentUpdate:         true,
	EventDocumentMetadataUpdate: true,

	EventTypingStatus: true,

	EventAccessGrant:  true,
	EventAccessRevoke: true,

	EventCallOffer:        true,
	EventCallAnswer:       true,
	EventCallICECandidate: true,

	EventError: true,
	EventPing:  true,
	EventPong:  true,
}

// Decode parses a raw frame into an Envelope, rejecting unknown types and
// unsupported versions before any payload field is touched.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.V < 0 {
		return nil, fmt.Errorf("invalid wire version %d", env.V)
	}
	if env.V == 0 {
		env.V = 1
	}
	if env.V > Version {
		return nil, fmt.Errorf("unsupported wire version %d", env.V)
	}
	if !knownTypes[env.Type] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return &env, nil
}

// Bind unmarshals the envelope payload into the given typed payload struct.
func (e *Envelope) Bind(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("event %s: malformed payload: %w", e.Type, err)
	}
	return nil
}

// New builds an envelope from an event type and payload.
func New(eventType string, payload any) Envelope {
	env := Envelope{V: Version, Type: eventType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			log.Printf("[Protocol] Dropping unmarshalable %s payload: %v", eventType, err)
		} else {
			env.Payload = data
		}
	}
	return env
}

// --- C→S payloads ---

// JoinRoomPayload 룸 입장 요청
type JoinRoomPayload struct {
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

func (p *JoinRoomPayload) Validate() error {
	if p.RoomID == "" {
		return ErrMissingRoomID
	}
	if p.UserID == "" {
		return ErrMissingUserID
	}
	return nil
}

// LeaveRoomPayload 룸 퇴장 요청
type LeaveRoomPayload struct {
	RoomID string `json:"roomId"`
}

func (p *LeaveRoomPayload) Validate() error {
	if p.RoomID == "" {
		return ErrMissingRoomID
	}
	return nil
}

// ElementAddPayload 화이트보드 요소 추가
type ElementAddPayload struct {
	RoomID  string                  `json:"roomId"`
	Element model.WhiteboardElement `json:"element"`
}

func (p *ElementAddPayload) Validate() error {
	if p.RoomID == "" {
		return ErrMissingRoomID
	}
	if p.Element.ID == "" {
		return ErrMissingElement
	}
	return nil
}

// ElementUpdatePayload 화이트보드 요소 부분 수정 (shallow merge)
type ElementUpdatePayload struct {
	RoomID    string                     `json:"roomId"`
	ElementID string                     `json:"elementId"`
	Fields    map[string]json.RawMessage `json:"fields"`
}

func (p *ElementUpdatePayload) Validate() error {
	if p.RoomID == "" {
		return ErrMissingRoomID
	}
	if p.ElementID == "" {
		return ErrMissingElement
	}
	return nil
}

// ElementDeletePayload 화이트보드 요소 삭제
type ElementDeletePayload struct {
	RoomID    string `json:"roomId"`
	ElementID string `json:"elementId"`
}

func (p *ElementDeletePayload) Validate() error {
	if p.RoomID == "" {
		return ErrMissingRoomID
	}
	if p.ElementID == "" {
		return ErrMissingElement
	}
	return nil
}

// ElementsClearPayload 화이트보드 전체 초기화
type ElementsClearPayload struct {
	RoomID string `json:"roomId"`
}

func (p *ElementsClearPayload) Validate() error {
	if p.RoomID == "" {
		return ErrMissingRoomID
	}
	return nil
}

// DocumentUpdatePayload 문서 내용 전체 교체
type DocumentUpdatePayload struct {
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
	UserID  string `json:"userId,omitempty"`
}

func (p *DocumentUpdatePayload) Validate() error {
	if p.RoomID == "" {
		return ErrMissingRoomID
	}
	return nil
}

// DocumentMetadataPayload 문서 메타데이터 부분 수정 (shallow merge)
type DocumentMetadataPayload struct {
	RoomID   string         `json:"roomId"`
	Metadata map[string]any `json:"metadata"`
	UserID   string         `json:"userId,omitempty"`
}

func (p *DocumentMetadataPayload) Validate() error {
	if p.RoomID == "" {
		return ErrMissingRoomID
	}
	return nil
}

// TypingStatusPayload 타이핑 상태 (휘발성, 저장되지 않음)
type TypingStatusPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

func (p *TypingStatusPayload) Validate() error {
	if p.RoomID == "" {
		return ErrMissingRoomID
	}
	if p.UserID == "" {
		return ErrMissingUserID
	}
	return nil
}

// AccessPayload 접근 권한 부여/회수
type AccessPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

func (p *AccessPayload) Validate() error {
	if p.RoomID == "" {
		return ErrMissingRoomID
	}
	if p.UserID == "" {
		return ErrMissingUserID
	}
	return nil
}

// CallSignalPayload 통화 시그널링 (offer/answer/ICE candidate)
// Unicast: forwarded only to the target participant's current connection.
type CallSignalPayload struct {
	RoomID       string          `json:"roomId"`
	TargetUserID string          `json:"targetUserId"`
	FromUserID   string          `json:"fromUserId,omitempty"`
	Signal       json.RawMessage `json:"signal"`
}

func (p *CallSignalPayload) Validate() error {
	if p.RoomID == "" {
		return ErrMissingRoomID
	}
	if p.TargetUserID == "" {
		return ErrMissingUserID
	}
	return nil
}

// --- S→C payloads ---

// RoomSnapshotPayload 룸의 전체 현재 상태 (join/resync 시 1회 전송)
type RoomSnapshotPayload struct {
	RoomID        string                    `json:"roomId"`
	Elements      []model.WhiteboardElement `json:"elements"`
	Document      model.DocumentState       `json:"document"`
	Participants  []model.Participant       `json:"participants"`
	AccessGranted []string                  `json:"accessGranted,omitempty"`
}

// ParticipantJoinedPayload 참가자 입장 브로드캐스트
type ParticipantJoinedPayload struct {
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// ParticipantLeftPayload 참가자 퇴장 브로드캐스트
type ParticipantLeftPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// ErrorPayload 송신자에게만 전달되는 오류 응답
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
