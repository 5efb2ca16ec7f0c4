package models

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates inbound client messages
type MessageType string

const (
	MessageTypeUserMessage  MessageType = "user_message"
	MessageTypeUserResponse MessageType = "user_response"
)

// InboundMessage is a message sent by the client over the conversation socket
type InboundMessage struct {
	Type           MessageType     `json:"type" binding:"required,oneof=user_message user_response"`
	MessageID      string          `json:"messageId" binding:"omitempty,max=128"`
	ConversationID string          `json:"conversationId,omitempty"`
	ClientState    json.RawMessage `json:"clientState,omitempty"`
	Content        any             `json:"content"`
}

// Text renders the message content as plain text for the agent pipeline
func (m InboundMessage) Text() string {
	switch c := m.Content.(type) {
	case nil:
		return ""
	case string:
		return c
	default:
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Sprintf("%v", c)
		}
		return string(data)
	}
}

// ClientState is the minimal resumable projection of a conversation handed to the client.
// It never carries live resource handles.
type ClientState struct {
	RetryCount    int               `json:"retryCount"`
	Requirements  map[string]any    `json:"requirements,omitempty"`
	Wireframe     map[string]any    `json:"wireframe,omitempty"`
	GeneratedCode map[string]string `json:"generatedCode,omitempty"`
	LastError     *LastError        `json:"lastError,omitempty"`
}
