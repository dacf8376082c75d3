package tools

import (
	"context"
	"fmt"

	"github.com/robun/robun/internal/bus"
)

// SendFunc publishes an outbound event; injected so the tool stays
// decoupled from the bus implementation.
type SendFunc func(msg bus.OutboundMessage)

// MessageTool sends a message to a chat channel. Channel and chat id
// default to the current turn's origin when omitted.
type MessageTool struct {
	send SendFunc
}

// NewMessageTool creates the message tool.
func NewMessageTool(send SendFunc) *MessageTool {
	return &MessageTool{send: send}
}

func (t *MessageTool) Name() string { return "message" }

func (t *MessageTool) Description() string {
	return "Send a message to the user on a chat channel. Without channel/chatId the message goes to the conversation that triggered this turn."
}

func (t *MessageTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"content": map[string]any{
				"type":        "string",
				"description": "Message text to send",
			},
			"channel": map[string]any{
				"type":        "string",
				"description": "Target channel (defaults to the current one)",
			},
			"chatId": map[string]any{
				"type":        "string",
				"description": "Target chat id (defaults to the current one)",
			},
		},
		"required": []string{"content"},
	}
}

func (t *MessageTool) Execute(ctx context.Context, turn Turn, args map[string]any) (string, error) {
	content := stringArg(args, "content")
	channel := stringArg(args, "channel")
	if channel == "" {
		channel = turn.Channel
	}
	chatID := stringArg(args, "chatId")
	if chatID == "" {
		chatID = turn.ChatID
	}
	if channel == "" || chatID == "" {
		return "Error: no target channel/chatId available for this turn", nil
	}
	t.send(bus.OutboundMessage{
		Channel: channel,
		ChatID:  chatID,
		Content: content,
	})
	return fmt.Sprintf("Message sent to %s:%s", channel, chatID), nil
}
