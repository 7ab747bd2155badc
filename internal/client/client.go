// Package client implements the persistent session client: stanza dispatch,
// request/response correlation, derived session state and message
// classification, surfaced to bot business logic as typed domain events.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"mellium.im/xmpp/jid"

	"github.com/hipbot/hipchat/internal/logging"
	"github.com/hipbot/hipchat/internal/metrics"
	"github.com/hipbot/hipchat/internal/stanza"
	"github.com/hipbot/hipchat/internal/transport"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOnline
	StateReconnecting
	StateOffline
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOnline:
		return "online"
	case StateReconnecting:
		return "reconnecting"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Options configures the session client.
type Options struct {
	// Host is the chat service domain, used to derive the session JID.
	Host string

	// MUCHost is the room service domain.
	MUCHost string

	// KeepAlive is the heartbeat interval. Defaults to 60 seconds.
	KeepAlive time.Duration

	// QueryTimeout bounds how long a sent query waits for its correlated
	// response. Zero disables the deadline and a lost response leaves its
	// future unresolved.
	QueryTimeout time.Duration

	// Availability sent when the session comes online.
	Show   string
	Status string
}

// Client is the persistent session client. It owns the derived session state
// and is driven entirely by transport lifecycle signals and inbound stanzas.
type Client struct {
	opts       Options
	transport  transport.Transport
	bus        *EventBus
	session    *Session
	correlator *Correlator
	router     *Router
	keepalive  *KeepAlive

	mu    sync.RWMutex
	state State
}

// New creates a session client on top of the given transport.
func New(opts Options, t transport.Transport) *Client {
	if opts.KeepAlive == 0 {
		opts.KeepAlive = 60 * time.Second
	}
	if opts.Show == "" {
		opts.Show = "chat"
	}
	if opts.Status == "" {
		opts.Status = "I'm alive!"
	}

	c := &Client{
		opts:       opts,
		transport:  t,
		bus:        NewEventBus(),
		session:    NewSession(),
		correlator: NewCorrelator(opts.QueryTimeout),
		state:      StateDisconnected,
	}
	c.keepalive = NewKeepAlive(t, opts.KeepAlive)
	c.router = &Router{
		Correlator: c.correlator,
		OnPresence: c.handlePresence,
		OnMessage:  c.handleMessage,
	}

	t.SetStanzaHandler(c.router.Route)
	t.SetOnlineHandler(c.onOnline)
	t.SetOfflineHandler(c.onOffline)
	t.SetReconnectHandler(c.onReconnect)
	t.SetDisconnectHandler(c.onDisconnect)
	t.SetErrorHandler(c.onError)

	c.bus.Publish(Event{Type: EventCreated})

	return c
}

// On subscribes a handler to a domain event.
func (c *Client) On(eventType EventType, handler EventHandler) {
	c.bus.Subscribe(eventType, handler)
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Session returns the derived session state for read-only use.
func (c *Client) Session() *Session {
	return c.session
}

// Connect establishes the connection. The post-connect bootstrap runs when
// the transport reports the session online.
func (c *Client) Connect(ctx context.Context) error {
	c.setState(StateConnecting)
	return c.transport.Connect(ctx)
}

// Close disconnects for good.
func (c *Client) Close() error {
	c.keepalive.Stop()
	return c.transport.Close()
}

// onOnline runs every time the transport reports the stream up: set
// availability, announce the connection, then issue the bootstrap queries.
// The three queries are independent; none blocks the others and no ordering
// is guaranteed between their completions.
func (c *Client) onOnline() {
	logging.Info("client connected")
	c.setState(StateOnline)

	if err := c.SetAvailability(c.opts.Show, c.opts.Status); err != nil {
		logging.Warn("failed to set availability: %v", err)
	}

	c.bus.Publish(Event{Type: EventConnected})

	go c.refreshStartup()
	go c.refreshRooms()
	go c.refreshRoster()

	c.keepalive.Start()
}

func (c *Client) onDisconnect(err error) {
	logging.Warn("client disconnected: %v", err)
	c.keepalive.Stop()
	c.setState(StateDisconnected)
	c.bus.Publish(Event{Type: EventDisconnected, Err: err})
}

func (c *Client) onOffline() {
	logging.Info("client offline")
	c.keepalive.Stop()
	c.setState(StateOffline)
	c.bus.Publish(Event{Type: EventOffline})
}

func (c *Client) onReconnect() {
	logging.Info("client reconnecting")
	c.keepalive.Stop()
	c.setState(StateReconnecting)
	c.bus.Publish(Event{Type: EventReconnecting})
}

// onError forwards transport errors as events. Errors never tear down session
// state; reconnection policy belongs to the transport.
func (c *Client) onError(err error) {
	logging.Error("transport error: %v", err)
	c.bus.Publish(Event{Type: EventError, Err: err})
}

// sendQuery stamps a correlation id into the query if none is present,
// registers the one-shot waiter and transmits the stanza.
func (c *Client) sendQuery(iq *stanza.IQ) (*Pending, error) {
	if iq.ID == "" {
		iq.ID = uuid.NewString()
	}

	pending := c.correlator.Register(iq.ID)

	if err := c.transport.Send(context.Background(), iq); err != nil {
		c.correlator.Reject(iq.ID, err)
		metrics.QueriesRejected.WithLabelValues("send").Inc()
		return nil, err
	}
	metrics.QueriesSent.Inc()

	return pending, nil
}

// RequestStartup asks the service for the startup bootstrap payload.
func (c *Client) RequestStartup() (*Pending, error) {
	iq, err := stanza.NewIQ(stanza.TypeGet, c.opts.MUCHost, stanza.StartupRequest{SendAutoJoinUserPresences: true})
	if err != nil {
		return nil, err
	}
	return c.sendQuery(iq)
}

// RequestRooms asks the room service for the room directory.
func (c *Client) RequestRooms() (*Pending, error) {
	iq, err := stanza.NewIQ(stanza.TypeGet, c.opts.MUCHost, stanza.DiscoItemsRequest{})
	if err != nil {
		return nil, err
	}
	return c.sendQuery(iq)
}

// RequestRoster asks for the full contact roster.
func (c *Client) RequestRoster() (*Pending, error) {
	iq, err := stanza.NewIQ(stanza.TypeGet, "", stanza.RosterRequest{})
	if err != nil {
		return nil, err
	}
	return c.sendQuery(iq)
}

// RequestProfile asks for the account's own vCard.
func (c *Client) RequestProfile() (*Pending, error) {
	iq, err := stanza.NewIQ(stanza.TypeGet, "", stanza.VCardRequest{})
	if err != nil {
		return nil, err
	}
	return c.sendQuery(iq)
}

func (c *Client) refreshStartup() {
	pending, err := c.RequestStartup()
	if err != nil {
		c.publishError(fmt.Errorf("startup request: %w", err))
		return
	}
	resp, err := pending.Await(context.Background())
	if err != nil {
		c.publishError(fmt.Errorf("startup query: %w", err))
		return
	}
	c.applyStartupResult(resp)
}

func (c *Client) refreshRooms() {
	pending, err := c.RequestRooms()
	if err != nil {
		c.publishError(fmt.Errorf("rooms request: %w", err))
		return
	}
	resp, err := pending.Await(context.Background())
	if err != nil {
		c.publishError(fmt.Errorf("rooms query: %w", err))
		return
	}
	c.applyRoomsResult(resp)
}

func (c *Client) refreshRoster() {
	pending, err := c.RequestRoster()
	if err != nil {
		c.publishError(fmt.Errorf("roster request: %w", err))
		return
	}
	resp, err := pending.Await(context.Background())
	if err != nil {
		c.publishError(fmt.Errorf("roster query: %w", err))
		return
	}
	c.applyRosterResult(resp)
}

func (c *Client) applyRoomsResult(iq *stanza.IQ) {
	var q stanza.DiscoItemsQuery
	if err := iq.Decode(&q); err != nil {
		c.publishError(fmt.Errorf("rooms response: %w", err))
		return
	}

	rooms := c.session.replaceRooms(q.Items)
	logging.Info("rooms updated with %d rooms", len(rooms))
	c.bus.Publish(Event{Type: EventRoomsUpdate, Rooms: rooms})
}

func (c *Client) applyRosterResult(iq *stanza.IQ) {
	var q stanza.RosterQuery
	if err := iq.Decode(&q); err != nil {
		c.publishError(fmt.Errorf("roster response: %w", err))
		return
	}

	roster := c.session.replaceRoster(q.Items)
	logging.Info("roster updated with %d users", len(roster))
	c.bus.Publish(Event{Type: EventRosterUpdate, Roster: roster})
}

func (c *Client) applyStartupResult(iq *stanza.IQ) {
	var q stanza.StartupQuery
	if err := iq.Decode(&q); err != nil {
		c.publishError(fmt.Errorf("startup response: %w", err))
		return
	}

	profile, data := c.session.applyStartup(&q, c.opts.Host)
	logging.Info("received startup data for %s (%s)", profile.Name, profile.JID)

	c.bus.Publish(Event{Type: EventProfile, Profile: &profile})
	c.bus.Publish(Event{Type: EventStartup, ServerData: &data})

	for _, room := range data.AutoJoin {
		if err := c.JoinRoom(room.JID.String(), 0); err != nil {
			logging.Warn("failed to auto-join %s: %v", room.JID, err)
		}
	}
}

func (c *Client) handlePresence(p *stanza.Presence) {
	pr := Presence{
		User: p.FromJID(),
		Type: p.Type,
		Show: p.Show,
	}
	if p.HipChat != nil {
		pr.ClientType = p.HipChat.ClientType
	}

	c.session.upsertPresence(pr)
	logging.Debug("presence updated for %s", pr.User)
	c.bus.Publish(Event{Type: EventPresenceUpdate, Presence: &pr})
}

// handleMessage classifies the stanza and emits the derived events in a fixed
// order, the generic message event always last. Mentions are suppressed for
// commands, and group messages are suppressed for channel/topic messages.
func (c *Client) handleMessage(st *stanza.Message) {
	profile, _ := c.session.Profile()
	m := Classify(profile, st)

	logging.Debug("received %s message from %s", m.Type, m.From)

	ev := Event{Message: &m}

	if m.Invite != nil {
		metrics.MessagesClassified.WithLabelValues("invite").Inc()
		ev.Type = EventInvite
		c.bus.Publish(ev)
	}
	if m.IsCommand {
		metrics.MessagesClassified.WithLabelValues("command").Inc()
		ev.Type = EventBotCommand
		c.bus.Publish(ev)
	}
	if m.Type == stanza.TypeChat {
		metrics.MessagesClassified.WithLabelValues("chat").Inc()
		ev.Type = EventPrivateMessage
		c.bus.Publish(ev)
	}
	if m.Type == stanza.TypeGroupchat && !m.IsChannelMessage {
		metrics.MessagesClassified.WithLabelValues("groupchat").Inc()
		ev.Type = EventGroupMessage
		c.bus.Publish(ev)
	}
	if m.IsChannelMessage {
		metrics.MessagesClassified.WithLabelValues("channel").Inc()
		ev.Type = EventChannelMessage
		c.bus.Publish(ev)
	}
	if m.HasAtMention && !m.IsCommand {
		ev.Type = EventAtMention
		c.bus.Publish(ev)
	}
	if m.HasNameMention && !m.IsCommand {
		ev.Type = EventNameMention
		c.bus.Publish(ev)
	}
	if m.HasChannelMention {
		ev.Type = EventChannelMention
		c.bus.Publish(ev)
	}

	ev.Type = EventMessage
	c.bus.Publish(ev)
}

// PostMessage sends a message body to a room or user. Targets on the room
// service domain get a groupchat message; anything else gets a private chat
// message.
func (c *Client) PostMessage(to, body string) error {
	toJID, err := jid.Parse(to)
	if err != nil {
		return fmt.Errorf("invalid target JID: %w", err)
	}

	profile, _ := c.session.Profile()

	var msg *stanza.Message
	if toJID.Domain().String() == c.opts.MUCHost {
		msg = &stanza.Message{
			Header: stanza.Header{
				To:   toJID.Bare().String() + "/" + profile.Name,
				Type: stanza.TypeGroupchat,
			},
		}
	} else {
		msg = &stanza.Message{
			Header: stanza.Header{
				To:   toJID.String(),
				From: profile.JID.String(),
				Type: stanza.TypeChat,
			},
		}
	}
	msg.Active = &stanza.ChatState{}
	msg.Body = body

	if err := c.transport.Send(context.Background(), msg); err != nil {
		return err
	}
	metrics.MessagesSent.Inc()

	c.bus.Publish(Event{Type: EventSendMessage, Stanza: msg})
	return nil
}

// SetAvailability broadcasts the account's availability and status message,
// tagged with the bot capability node.
func (c *Client) SetAvailability(show, status string) error {
	p := &stanza.Presence{
		Show:   show,
		Status: status,
		Caps:   &stanza.Caps{Node: stanza.CapsNode, Ver: "1"},
	}
	return c.transport.Send(context.Background(), p)
}

// JoinRoom enters a room, requesting the given amount of history.
func (c *Client) JoinRoom(roomJID string, historyStanzas int) error {
	profile, _ := c.session.Profile()
	nick := profile.Name
	if nick == "" {
		nick = profile.JID.Localpart()
	}

	p := &stanza.Presence{
		Header: stanza.Header{To: roomJID + "/" + nick},
		MUC:    &stanza.MUCJoin{History: &stanza.History{MaxStanzas: historyStanzas}},
	}

	logging.Info("joining room %s", roomJID)
	return c.transport.Send(context.Background(), p)
}

// PartRoom leaves a room.
func (c *Client) PartRoom(roomJID string) error {
	profile, _ := c.session.Profile()

	p := &stanza.Presence{
		Header: stanza.Header{
			To:   roomJID + "/" + profile.Name,
			Type: stanza.TypeUnavailable,
		},
		Status: "hc-leave",
		MUC:    &stanza.MUCJoin{},
	}

	logging.Info("parting room %s", roomJID)
	return c.transport.Send(context.Background(), p)
}

func (c *Client) publishError(err error) {
	logging.Error("%v", err)
	c.bus.Publish(Event{Type: EventError, Err: err})
}
