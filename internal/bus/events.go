package bus

import "time"

// InboundMessage is a chat message received by a channel.
type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	Content   string
	Timestamp time.Time
	Metadata  map[string]any
}

func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// MetaString returns Metadata[key] when it holds a string.
func (m *InboundMessage) MetaString(key string) string {
	if m.Metadata == nil {
		return ""
	}
	s, _ := m.Metadata[key].(string)
	return s
}

// MetaStrings returns Metadata[key] when it holds a []string.
func (m *InboundMessage) MetaStrings(key string) []string {
	if m.Metadata == nil {
		return nil
	}
	s, _ := m.Metadata[key].([]string)
	return s
}

// MetaBool returns Metadata[key] when it holds a bool.
func (m *InboundMessage) MetaBool(key string) bool {
	if m.Metadata == nil {
		return false
	}
	b, _ := m.Metadata[key].(bool)
	return b
}

type OutboundMessage struct {
	Channel  string
	ChatID   string
	Content  string
	ReplyTo  string
	Metadata map[string]any
}
