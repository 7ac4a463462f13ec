package hub

// Inbound message types (client to hub).
const (
	TypeChatSend         = "chat.send"
	TypeChatCancel       = "chat.cancel"
	TypeSessionSubscribe = "session.subscribe"
	TypePing             = "ping"
)

// inboundMessage is the envelope for all client control messages.
type inboundMessage struct {
	Type       string `json:"type"`
	Content    string `json:"content,omitempty"`
	SessionKey string `json:"session_key,omitempty"`
	Channel    string `json:"channel,omitempty"`
	ChatID     string `json:"chat_id,omitempty"`
	RunID      string `json:"run_id,omitempty"`
}
