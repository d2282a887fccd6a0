package collab

import (
	"testing"
	"time"

	"collab-backend/internal/protocol"
)

func TestManagerLazyRoomCreation(t *testing.T) {
	m := NewManager(3*time.Second, nil)

	if m.RoomCount() != 0 {
		t.Fatalf("fresh manager holds %d rooms", m.RoomCount())
	}
	if _, ok := m.Get("room-1"); ok {
		t.Fatalf("Get created a room")
	}

	if _, _, err := m.Join("room-1", "user-a", "Alice", newFakeSubscriber("conn-a")); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if m.RoomCount() != 1 {
		t.Errorf("manager holds %d rooms after join, want 1", m.RoomCount())
	}

	same := m.GetOrCreate("room-1")
	if got, _ := m.Get("room-1"); got != same {
		t.Errorf("GetOrCreate returned a different room for an existing id")
	}
}

func TestManagerJoinValidation(t *testing.T) {
	m := NewManager(3*time.Second, nil)

	if _, _, err := m.Join("", "user-a", "Alice", newFakeSubscriber("conn-a")); err != ErrMissingRoomID {
		t.Errorf("empty roomId: got err %v, want ErrMissingRoomID", err)
	}
	if _, _, err := m.Join("room-1", "", "Alice", newFakeSubscriber("conn-a")); err != ErrMissingUserID {
		t.Errorf("empty userId: got err %v, want ErrMissingUserID", err)
	}
	// A failed join must not leak a half-created room with no participants.
	m.dropIfEmpty("room-1")
	if m.RoomCount() != 0 {
		t.Errorf("failed joins left %d rooms behind", m.RoomCount())
	}
}

func TestManagerLeaveRemovesEmptyRoom(t *testing.T) {
	m := NewManager(3*time.Second, nil)
	m.Join("room-1", "user-a", "Alice", newFakeSubscriber("conn-a"))
	m.Join("room-1", "user-b", "Bob", newFakeSubscriber("conn-b"))

	m.Leave("room-1", "user-a")
	if m.RoomCount() != 1 {
		t.Fatalf("room removed while a participant remains")
	}

	m.Leave("room-1", "user-b")
	if m.RoomCount() != 0 {
		t.Errorf("empty room not removed, %d rooms remain", m.RoomCount())
	}

	// Leave on an unknown room is a no-op.
	m.Leave("room-ghost", "user-a")
}

func TestManagerDisconnectConnScansRooms(t *testing.T) {
	m := NewManager(3*time.Second, nil)
	m.Join("room-1", "user-a", "Alice", newFakeSubscriber("conn-a"))
	watcher := newFakeSubscriber("conn-w")
	m.Join("room-1", "user-w", "Watcher", watcher)
	m.Join("room-2", "user-b", "Bob", newFakeSubscriber("conn-b"))

	m.DisconnectConn("conn-a")

	room1, ok := m.Get("room-1")
	if !ok {
		t.Fatalf("room-1 removed while user-w remains")
	}
	for _, p := range room1.Participants() {
		if p.UserID == "user-a" {
			t.Errorf("disconnected user still present in room-1")
		}
	}
	if got := watcher.countType(protocol.EventParticipantLeft); got != 1 {
		t.Errorf("watcher saw %d left events, want 1", got)
	}
	if _, ok := m.Get("room-2"); !ok {
		t.Errorf("unrelated room removed by disconnect scan")
	}

	// Last participant's connection drops: the room is garbage collected.
	m.DisconnectConn("conn-b")
	if _, ok := m.Get("room-2"); ok {
		t.Errorf("empty room-2 survived disconnect of its last participant")
	}
}

// Two clients in one room: C2's mutation reaches C1, and C2's silent resync
// after a quick reconnect does not produce a left/joined pair.
func TestManagerTwoClientScenario(t *testing.T) {
	m := NewManager(3*time.Second, nil)
	room := m.GetOrCreate("room-1")
	clock := time.Unix(1000, 0)
	room.now = func() time.Time { return clock }

	c1 := newFakeSubscriber("conn-1")
	c2 := newFakeSubscriber("conn-2")
	m.Join("room-1", "user-1", "One", c1)
	snap, _, err := m.Join("room-1", "user-2", "Two", c2)
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if len(snap.Participants) != 2 {
		t.Fatalf("C2 snapshot has %d participants, want 2", len(snap.Participants))
	}

	room.AddElement(testElement("e1"))
	if got := c1.countType(protocol.EventElementAdd); got != 1 {
		t.Errorf("C1 saw %d element-add events, want 1", got)
	}

	// C2 reconnects within the window on a new connection.
	leftBefore := c1.countType(protocol.EventParticipantLeft)
	joinedBefore := c1.countType(protocol.EventParticipantJoined)
	clock = clock.Add(time.Second)

	c2b := newFakeSubscriber("conn-2b")
	snap, resync, err := m.Join("room-1", "user-2", "Two", c2b)
	if err != nil {
		t.Fatalf("rejoin failed: %v", err)
	}
	if !resync {
		t.Errorf("quick rejoin not treated as resync")
	}
	if len(snap.Elements) != 1 {
		t.Errorf("resync snapshot has %d elements, want 1", len(snap.Elements))
	}
	if got := c1.countType(protocol.EventParticipantLeft); got != leftBefore {
		t.Errorf("resync produced a participant-left event")
	}
	if got := c1.countType(protocol.EventParticipantJoined); got != joinedBefore {
		t.Errorf("resync produced a participant-joined event")
	}
}
