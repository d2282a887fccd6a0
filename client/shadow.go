package client

import (
	"encoding/json"

	"collab-backend/internal/model"
)

// shadowState is the client's local copy of one room's shared state. It backs
// optimistic UI reads, offline mode, and de-duplication of echoed broadcasts
// (the server fan-out includes the sender). Not safe for concurrent use; the
// owning Client serializes access.
type shadowState struct {
	elements []model.WhiteboardElement
	document model.DocumentState
}

func newShadow() *shadowState {
	return &shadowState{}
}

// addElement inserts an element unless its id already exists locally.
// Returns false for duplicates (echo of our own optimistic insert).
func (s *shadowState) addElement(el model.WhiteboardElement) bool {
	if s.findElement(el.ID) >= 0 {
		return false
	}
	s.elements = append(s.elements, el)
	return true
}

func (s *shadowState) updateElement(elementID string, fields map[string]json.RawMessage) bool {
	i := s.findElement(elementID)
	if i < 0 {
		return false
	}
	return s.elements[i].Merge(fields) == nil
}

func (s *shadowState) deleteElement(elementID string) bool {
	i := s.findElement(elementID)
	if i < 0 {
		return false
	}
	s.elements = append(s.elements[:i], s.elements[i+1:]...)
	return true
}

func (s *shadowState) clear() {
	s.elements = nil
}

func (s *shadowState) setDocument(content, userID string) {
	s.document.Content = content
	s.document.LastUpdatedBy = userID
}

func (s *shadowState) mergeMetadata(metadata map[string]any) {
	s.document.MergeMetadata(metadata)
}

// replace overwrites the shadow with an authoritative snapshot.
func (s *shadowState) replace(elements []model.WhiteboardElement, document model.DocumentState) {
	s.elements = make([]model.WhiteboardElement, len(elements))
	copy(s.elements, elements)
	s.document = document
}

// snapshot returns a copy safe to hand out or persist.
func (s *shadowState) snapshot() localSnapshot {
	elements := make([]model.WhiteboardElement, len(s.elements))
	copy(elements, s.elements)
	return localSnapshot{Elements: elements, Document: s.document}
}

func (s *shadowState) findElement(id string) int {
	for i := range s.elements {
		if s.elements[i].ID == id {
			return i
		}
	}
	return -1
}
