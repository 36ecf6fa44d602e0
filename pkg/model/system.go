package model

import "encoding/json"

type SystemAction string

const (
	ActionCreatePrivateChat SystemAction = "CREATE_PRIVATE_CHAT"
	ActionCreateGroupChat   SystemAction = "CREATE_GROUP_CHAT"
	ActionUpdateChatName    SystemAction = "UPDATE_GROUP_CHAT_NAME"
	ActionUpdateChatImage   SystemAction = "UPDATE_GROUP_CHAT_IMAGE"
	ActionAddParticipants   SystemAction = "ADD_PARTICIPANTS"
	ActionRemoveParticipant SystemAction = "REMOVE_PARTICIPANT"
	ActionPromoteAdmin      SystemAction = "PROMOTE_ADMIN"
	ActionDemoteAdmin       SystemAction = "DEMOTE_ADMIN"
)

// SystemMessage is the JSON content of a SYSTEM message. Clients render it.
type SystemMessage struct {
	ActorID  string            `json:"actorId"`
	Action   SystemAction      `json:"action"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s SystemMessage) Content() string {
	b, err := json.Marshal(s)
	if err != nil {
		// map[string]string and strings always marshal
		panic(err)
	}
	return string(b)
}

// ParseSystemMessage decodes the content of a SYSTEM message.
func ParseSystemMessage(content string) (SystemMessage, error) {
	var s SystemMessage
	err := json.Unmarshal([]byte(content), &s)
	return s, err
}
