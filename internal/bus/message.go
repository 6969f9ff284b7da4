// Package bus implements the shared inter-agent message bus. Agents post
// direct or broadcast messages here and poll for what is visible to them;
// the bus is bounded and persisted to disk between restarts.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// Message is a single entry on the bus. Broadcast messages have an empty
// To field; ExcludeRoles hides a broadcast from whole role groups.
type Message struct {
	ID           string                 `json:"id"`
	From         string                 `json:"from"`
	FromName     string                 `json:"fromName,omitempty"`
	To           string                 `json:"to,omitempty"`
	Channel      string                 `json:"channel,omitempty"`
	Type         string                 `json:"type,omitempty"`
	Content      string                 `json:"content"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
	ReadBy       map[string]bool        `json:"readBy,omitempty"`
	ExcludeRoles []string               `json:"excludeRoles,omitempty"`
}

// NewMessage builds a message with a fresh id and timestamp.
func NewMessage(from, fromName, to, channel, msgType, content string) Message {
	return Message{
		ID:        uuid.New().String(),
		From:      from,
		FromName:  fromName,
		To:        to,
		Channel:   channel,
		Type:      msgType,
		Content:   content,
		CreatedAt: time.Now().UTC(),
		ReadBy:    make(map[string]bool),
	}
}

// IsBroadcast reports whether the message addresses every agent.
func (m *Message) IsBroadcast() bool {
	return m.To == ""
}

// VisibleTo reports whether an agent with the given id and role may see
// the message. Direct messages are visible to sender and recipient only;
// broadcasts are visible unless the caller's role is excluded.
func (m *Message) VisibleTo(agentID, role string) bool {
	if !m.IsBroadcast() {
		return m.To == agentID || m.From == agentID
	}
	return !m.RoleExcluded(role)
}

// RoleExcluded reports whether the message hides itself from the role.
func (m *Message) RoleExcluded(role string) bool {
	for _, excluded := range m.ExcludeRoles {
		if excluded == role {
			return true
		}
	}
	return false
}

// clone returns a deep copy so callers can never mutate bus state.
func (m Message) clone() Message {
	out := m
	if m.ReadBy != nil {
		out.ReadBy = make(map[string]bool, len(m.ReadBy))
		for k, v := range m.ReadBy {
			out.ReadBy[k] = v
		}
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	if m.ExcludeRoles != nil {
		out.ExcludeRoles = append([]string(nil), m.ExcludeRoles...)
	}
	return out
}
