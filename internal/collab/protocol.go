package collab

import "coscribe/api/internal/crdt"

// Frame is one message of the sync protocol, both directions.
//
//	sync      server→client  full op log on join
//	update    both           newly produced ops
//	awareness client→server  typing flag change
//	presence  server→client  deduplicated collaborator list
type Frame struct {
	Type          string         `json:"type"`
	Ops           []crdt.Op      `json:"ops,omitempty"`
	IsTyping      *bool          `json:"isTyping,omitempty"`
	Collaborators []Collaborator `json:"collaborators,omitempty"`
}

const (
	FrameSync      = "sync"
	FrameUpdate    = "update"
	FrameAwareness = "awareness"
	FramePresence  = "presence"
)
