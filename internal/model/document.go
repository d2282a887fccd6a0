package model

import "time"

// DocumentState 룸의 공유 텍스트 문서 상태
// Content is replaced wholesale on every update; Metadata is shallow-merged.
type DocumentState struct {
	Content       string         `json:"content"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	LastUpdatedAt time.Time      `json:"lastUpdatedAt"`
	LastUpdatedBy string         `json:"lastUpdatedBy,omitempty"`
}

// MergeMetadata merges the given fields into the existing metadata object.
// Fields not present in the update are preserved.
func (d *DocumentState) MergeMetadata(metadata map[string]any) {
	if d.Metadata == nil {
		d.Metadata = make(map[string]any, len(metadata))
	}
	for k, v := range metadata {
		d.Metadata[k] = v
	}
}
