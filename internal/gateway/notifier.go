package gateway

import (
	"context"
)

// Sender is the outbound half of the gateway connection.
type Sender interface {
	Send(msg OutboundMessage) error
}

// Notifier adapts the gateway connection to the orchestrator's and
// dispatcher's notification interfaces.
type Notifier struct {
	sender Sender
}

// NewNotifier creates a notifier over the gateway sender.
func NewNotifier(sender Sender) *Notifier {
	return &Notifier{sender: sender}
}

// Notify posts a plain message to a channel or thread.
func (n *Notifier) Notify(ctx context.Context, channelID, message string) error {
	return n.sender.Send(OutboundMessage{
		Type:      "post",
		ChannelID: channelID,
		Text:      message,
	})
}

// StreamUpdate replaces the in-progress response shown in the thread.
func (n *Notifier) StreamUpdate(ctx context.Context, threadID, text string) error {
	return n.sender.Send(OutboundMessage{
		Type:      "stream_update",
		ChannelID: threadID,
		Text:      text,
	})
}

// StreamFinal renders the finished response.
func (n *Notifier) StreamFinal(ctx context.Context, threadID, text string) error {
	return n.sender.Send(OutboundMessage{
		Type:      "stream_final",
		ChannelID: threadID,
		Text:      text,
	})
}
