package collab

import "collab-backend/internal/protocol"

// Subscriber is one attached connection receiving room fan-out. The transport
// is injected behind this interface so fan-out can be tested without a network.
type Subscriber interface {
	ConnID() string
	Send(env protocol.Envelope) error
}
