package client

import "sync"

// EventType identifies a domain event emitted by the client.
type EventType int

const (
	EventCreated EventType = iota
	EventConnected
	EventDisconnected
	EventReconnecting
	EventOffline
	EventError
	EventProfile
	EventStartup
	EventRoomsUpdate
	EventRosterUpdate
	EventPresenceUpdate
	EventMessage
	EventPrivateMessage
	EventGroupMessage
	EventChannelMessage
	EventAtMention
	EventNameMention
	EventChannelMention
	EventBotCommand
	EventInvite
	EventSendMessage
)

// String returns the event name as seen by bot business logic.
func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventOffline:
		return "offline"
	case EventError:
		return "error"
	case EventProfile:
		return "profile"
	case EventStartup:
		return "startup"
	case EventRoomsUpdate:
		return "roomsUpdate"
	case EventRosterUpdate:
		return "rosterUpdate"
	case EventPresenceUpdate:
		return "presenceUpdate"
	case EventMessage:
		return "message"
	case EventPrivateMessage:
		return "privateMessage"
	case EventGroupMessage:
		return "groupMessage"
	case EventChannelMessage:
		return "channelMessage"
	case EventAtMention:
		return "atMention"
	case EventNameMention:
		return "nameMention"
	case EventChannelMention:
		return "channelMention"
	case EventBotCommand:
		return "botCommand"
	case EventInvite:
		return "invite"
	case EventSendMessage:
		return "sendMessage"
	default:
		return "unknown"
	}
}

// Event is a typed domain event. Only the fields relevant to the event type
// are populated.
type Event struct {
	Type EventType

	Message    *Message
	Profile    *Profile
	ServerData *ServerData
	Rooms      []Room
	Roster     []RosterEntry
	Presence   *Presence
	Err        error

	// Stanza carries the raw outgoing stanza for sendMessage events.
	Stanza any
}

// EventHandler is a function that handles events.
type EventHandler func(event Event)

// EventBus handles event subscription and publishing. Handlers run
// synchronously in subscription order, so the fixed dispatch order of
// message-derived events is preserved.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]EventHandler
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]EventHandler),
	}
}

// Subscribe subscribes to an event type.
func (b *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish publishes an event to all subscribers.
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// Unsubscribe removes all handlers for an event type.
func (b *EventBus) Unsubscribe(eventType EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, eventType)
}

// Clear removes all handlers.
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]EventHandler)
}
