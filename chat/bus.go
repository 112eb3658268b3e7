package chat

import (
	"fmt"

	"github.com/presbrey/chatd/chat/store"
)

// BroadcastBus fans messages out to live sessions. Every delivery
// happens on the calling goroutine into each recipient's buffered
// outbound queue, so a single sender's messages reach each recipient
// in the order they were sent. A recipient whose queue has failed is
// scheduled for disconnect by its own session; it never aborts
// delivery to the others.
type BroadcastBus struct {
	registry *SessionRegistry
}

// NewBroadcastBus creates a bus over the given registry
func NewBroadcastBus(registry *SessionRegistry) *BroadcastBus {
	return &BroadcastBus{registry: registry}
}

// BroadcastAll delivers a chat line from sender to every live session
// except the sender
func (b *BroadcastBus) BroadcastAll(sender, text string) {
	b.sendExcept(fmt.Sprintf("[%s] %s", sender, text), sender)
	messagesTotal.WithLabelValues("broadcast").Inc()
}

// Action delivers a third-person action line from sender to every
// live session except the sender
func (b *BroadcastBus) Action(sender, action string) {
	b.sendExcept(fmt.Sprintf("* %s %s", sender, action), sender)
	messagesTotal.WithLabelValues("action").Inc()
}

// SendDirect delivers a private message only to target. The sender
// receives no echo. Returns ErrNotFound when target is not online.
func (b *BroadcastBus) SendDirect(sender, target, text string) error {
	recipient, err := b.registry.Lookup(target)
	if err != nil {
		return err
	}
	recipient.Send(fmt.Sprintf("<msg: %s> %s", sender, text))
	messagesTotal.WithLabelValues("direct").Inc()
	return nil
}

// Announce delivers a system notice to every live session
func (b *BroadcastBus) Announce(text string) {
	for _, s := range b.registry.AllSessions() {
		s.Send(text)
	}
}

// AnnounceExcept delivers a system notice to every live session except
// the named one. Used when the excluded session gets its own direct
// notice instead.
func (b *BroadcastBus) AnnounceExcept(text, except string) {
	b.sendExcept(text, except)
}

func (b *BroadcastBus) sendExcept(line, except string) {
	key := store.Fold(except)
	for _, s := range b.registry.AllSessions() {
		if store.Fold(s.Nick()) == key {
			continue
		}
		s.Send(line)
	}
}
