package collab

import (
	"sort"
	"sync/atomic"

	"coscribe/api/internal/rbac"
)

// Identity is the per-connection identity record built from verified token
// claims at connect time. It never changes for the life of the connection.
type Identity struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
	Color     string    `json:"color"`
	Role      rbac.Role `json:"role"`
}

// Collaborator is one entry of the visible presence list.
type Collaborator struct {
	User     Identity `json:"user"`
	IsTyping bool     `json:"isTyping"`
}

// presenceColors is the fixed palette for collaborator cursors. Purely
// visual; not an identity attribute.
var presenceColors = [...]string{
	"#E57373",
	"#81C784",
	"#64B5F6",
	"#FFD54F",
	"#BA68C8",
	"#4DB6AC",
	"#FF8A65",
	"#A1887F",
	"#90A4AE",
	"#F06292",
}

var colorCounter atomic.Uint64

// NextColor hands out palette entries round-robin per connection.
func NextColor() string {
	n := colorCounter.Add(1) - 1
	return presenceColors[n%uint64(len(presenceColors))]
}

type presenceSource interface {
	presenceIdentity() Identity
	presenceTyping() bool
}

// collaborators materializes the visible list: one entry per user even when
// a user holds several connections, typing if any of their connections is
// typing. Order is stable (by user ID) so repeated broadcasts compare equal.
func collaborators(sources []presenceSource) []Collaborator {
	byUser := make(map[string]*Collaborator)
	var order []string
	for _, src := range sources {
		id := src.presenceIdentity()
		entry, ok := byUser[id.ID]
		if !ok {
			byUser[id.ID] = &Collaborator{User: id, IsTyping: src.presenceTyping()}
			order = append(order, id.ID)
			continue
		}
		entry.IsTyping = entry.IsTyping || src.presenceTyping()
	}

	sort.Strings(order)
	out := make([]Collaborator, 0, len(order))
	for _, userID := range order {
		out = append(out, *byUser[userID])
	}
	return out
}
