package model

import (
	"encoding/json"
)

// ElementStyle 요소 스타일 (색상, 선 두께)
type ElementStyle struct {
	Color string  `json:"color,omitempty"`
	Width float64 `json:"width,omitempty"`
}

// WhiteboardElement is a single drawable element on a room's whiteboard.
// The ID is generated by the client and must be unique within the room.
type WhiteboardElement struct {
	ID     string       `json:"id"`
	Kind   string       `json:"kind"`
	Points []float64    `json:"points,omitempty"`
	Style  ElementStyle `json:"style,omitempty"`
	Text   string       `json:"text,omitempty"`
}

// Merge applies a partial update to the element. Only top-level fields present
// in the partial are overwritten; everything else is preserved. The element ID
// is immutable and ignored if present in the partial.
func (e *WhiteboardElement) Merge(partial map[string]json.RawMessage) error {
	base, err := json.Marshal(e)
	if err != nil {
		return err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(base, &fields); err != nil {
		return err
	}

	for k, v := range partial {
		if k == "id" {
			continue
		}
		fields[k] = v
	}

	merged, err := json.Marshal(fields)
	if err != nil {
		return err
	}

	var out WhiteboardElement
	if err := json.Unmarshal(merged, &out); err != nil {
		return err
	}

	out.ID = e.ID
	*e = out
	return nil
}
