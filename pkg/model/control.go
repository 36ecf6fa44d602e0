package model

type ControlType string

const (
	ControlSubscribe   ControlType = "subscribe"
	ControlUnsubscribe ControlType = "unsubscribe"
	ControlTyping      ControlType = "typing"
)

// ControlFrame is a client → server message on the live channel.
type ControlFrame struct {
	Type   ControlType `json:"type"`
	ChatID string      `json:"chatId,omitempty"`
	UserID string      `json:"userId,omitempty"`
}
