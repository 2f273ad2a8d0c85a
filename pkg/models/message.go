package models

// ConversationEntry is one turn in an agent's conversation history.
type ConversationEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// AgentMessageType identifies an externally delivered agent message.
type AgentMessageType string

// Agent message types.
const (
	MessageUser              AgentMessageType = "userMessage"
	MessageUserInputResponse AgentMessageType = "USER_INPUT_RESPONSE"
	MessageAgentUpdate       AgentMessageType = "AGENT_UPDATE"
	MessageWorkProductUpdate AgentMessageType = "WORK_PRODUCT_UPDATE"
)

// AgentMessage is delivered to a single agent through the supervisor.
// The agent serializes handling through its own handler.
type AgentMessage struct {
	Type      AgentMessageType `json:"type"`
	Content   string           `json:"content,omitempty"`
	RequestID string           `json:"requestId,omitempty"`
	Response  string           `json:"response,omitempty"`
	Signal    string           `json:"signal,omitempty"`
}
