package client

import (
	"context"
	"encoding/xml"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hipbot/hipchat/internal/stanza"
)

// fakeTransport implements transport.Transport for tests. Stanzas are
// delivered synchronously through the registered stanza handler.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	sent      []any
	raw       [][]byte

	onStanza     func(v any)
	onOnline     func()
	onOffline    func()
	onReconnect  func()
	onDisconnect func(err error)
	onError      func(err error)
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	if f.onOnline != nil {
		f.onOnline()
	}
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return fmt.Errorf("not connected")
	}
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeTransport) SendRaw(ctx context.Context, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return fmt.Errorf("not connected")
	}
	f.raw = append(f.raw, p)
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	if f.onDisconnect != nil {
		f.onDisconnect(nil)
	}
	return nil
}

func (f *fakeTransport) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *fakeTransport) deliver(v any) {
	f.onStanza(v)
}

func (f *fakeTransport) sentIQs() []*stanza.IQ {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*stanza.IQ
	for _, v := range f.sent {
		if iq, ok := v.(*stanza.IQ); ok {
			out = append(out, iq)
		}
	}
	return out
}

func (f *fakeTransport) sentPresences() []*stanza.Presence {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*stanza.Presence
	for _, v := range f.sent {
		if p, ok := v.(*stanza.Presence); ok {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeTransport) sentMessages() []*stanza.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*stanza.Message
	for _, v := range f.sent {
		if m, ok := v.(*stanza.Message); ok {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) rawCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.raw)
}

func (f *fakeTransport) SetStanzaHandler(h func(v any))         { f.onStanza = h }
func (f *fakeTransport) SetOnlineHandler(h func())              { f.onOnline = h }
func (f *fakeTransport) SetOfflineHandler(h func())             { f.onOffline = h }
func (f *fakeTransport) SetReconnectHandler(h func())           { f.onReconnect = h }
func (f *fakeTransport) SetDisconnectHandler(h func(err error)) { f.onDisconnect = h }
func (f *fakeTransport) SetErrorHandler(h func(err error))      { f.onError = h }

// eventRecorder collects published events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *eventRecorder) subscribeAll(c *Client, types ...EventType) {
	for _, t := range types {
		c.On(t, r.record)
	}
}

func testOptions() Options {
	return Options{
		Host:      "chat.example.com",
		MUCHost:   "conf.example.com",
		KeepAlive: time.Hour,
	}
}

func newTestClient(t *testing.T) (*Client, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	c := New(testOptions(), ft)
	return c, ft
}

// waitFor polls until cond holds or the deadline expires.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := xml.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestConnectRunsBootstrapSequence(t *testing.T) {
	c, ft := newTestClient(t)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	if c.State() != StateOnline {
		t.Fatalf("expected online state, got %s", c.State())
	}

	// Availability presence goes out immediately.
	presences := ft.sentPresences()
	if len(presences) == 0 {
		t.Fatalf("expected availability presence on connect")
	}
	if presences[0].Caps == nil || presences[0].Caps.Node != stanza.CapsNode {
		t.Fatalf("expected bot caps node on availability presence")
	}

	// The three bootstrap queries are issued concurrently; wait for all.
	waitFor(t, func() bool { return len(ft.sentIQs()) == 3 }, "bootstrap queries")

	seen := map[string]bool{}
	for _, iq := range ft.sentIQs() {
		if iq.ID == "" {
			t.Fatalf("expected every query to carry a correlation id")
		}
		seen[iq.ID] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected unique correlation ids, got %v", seen)
	}

	if !c.keepalive.Running() {
		t.Fatalf("expected keepalive started on connect")
	}
}

func TestRoomsResponseReplacesListAndEmitsEvent(t *testing.T) {
	c, ft := newTestClient(t)
	rec := &eventRecorder{}
	rec.subscribeAll(c, EventRoomsUpdate)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	waitFor(t, func() bool { return len(ft.sentIQs()) == 3 }, "bootstrap queries")

	var roomsIQ *stanza.IQ
	for _, iq := range ft.sentIQs() {
		var q stanza.DiscoItemsQuery
		if iq.Decode(&q) == nil {
			roomsIQ = iq
			break
		}
	}
	if roomsIQ == nil {
		t.Fatalf("expected a disco#items query among the bootstrap queries")
	}

	inner := mustMarshal(t, stanza.DiscoItemsQuery{Items: []stanza.DiscoItem{
		{JID: "100_lobby@conf.example.com", Name: "Lobby", Room: &stanza.RoomInfo{ID: 100, Privacy: "public"}},
		{JID: "100_dev@conf.example.com", Name: "Dev", Room: &stanza.RoomInfo{ID: 101, Privacy: "private"}},
	}})
	ft.deliver(&stanza.IQ{
		Header: stanza.Header{ID: roomsIQ.ID, Type: stanza.TypeResult},
		Inner:  inner,
	})

	waitFor(t, func() bool { return len(rec.types()) == 1 }, "roomsUpdate event")

	rooms := c.Session().Rooms()
	if len(rooms) != 2 {
		t.Fatalf("expected 2 rooms, got %d", len(rooms))
	}
	if rooms[0].Name != "Lobby" || rooms[0].ID != 100 {
		t.Fatalf("unexpected room %+v", rooms[0])
	}
}

func TestStartupResponseJoinsOnlyRoomsWithMetadata(t *testing.T) {
	c, ft := newTestClient(t)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	waitFor(t, func() bool { return len(ft.sentIQs()) == 3 }, "bootstrap queries")

	var startupIQ *stanza.IQ
	for _, iq := range ft.sentIQs() {
		var q stanza.StartupQuery
		if iq.Decode(&q) == nil {
			startupIQ = iq
			break
		}
	}
	if startupIQ == nil {
		t.Fatalf("expected a startup query among the bootstrap queries")
	}

	inner := mustMarshal(t, stanza.StartupQuery{
		UserID:      7,
		GroupID:     100,
		Name:        "Bender Rodriguez",
		MentionName: "bender",
		Preferences: &stanza.Preferences{
			AutoJoin: []stanza.DiscoItem{
				{JID: "100_lobby@conf.example.com", Name: "Lobby", Room: &stanza.RoomInfo{ID: 100}},
				{JID: "1_3@chat.example.com", Name: "Leela"},
			},
		},
	})

	before := len(ft.sentPresences())
	ft.deliver(&stanza.IQ{
		Header: stanza.Header{ID: startupIQ.ID, Type: stanza.TypeResult},
		Inner:  inner,
	})

	waitFor(t, func() bool { return len(ft.sentPresences()) == before+1 }, "auto-join presence")

	joins := ft.sentPresences()[before:]
	if len(joins) != 1 {
		t.Fatalf("expected exactly one join, got %d", len(joins))
	}
	join := joins[0]
	if join.To != "100_lobby@conf.example.com/Bender Rodriguez" {
		t.Fatalf("unexpected join target %q", join.To)
	}
	if join.MUC == nil || join.MUC.History == nil || join.MUC.History.MaxStanzas != 0 {
		t.Fatalf("expected muc join payload with zero history, got %+v", join.MUC)
	}
}

func TestMessageDispatchOrderForCommand(t *testing.T) {
	c, ft := newTestClient(t)
	rec := &eventRecorder{}
	rec.subscribeAll(c,
		EventInvite, EventBotCommand, EventPrivateMessage, EventGroupMessage,
		EventChannelMessage, EventAtMention, EventNameMention,
		EventChannelMention, EventMessage,
	)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	// Give the classifier a profile so mentions can trigger.
	c.session.applyStartup(&stanza.StartupQuery{
		UserID: 7, GroupID: 100, Name: "Bender Rodriguez", MentionName: "bender",
	}, "chat.example.com")

	// A command that also contains the bot's name: mention events must be
	// suppressed.
	ft.deliver(&stanza.Message{
		Header: stanza.Header{From: "1_3@chat.example.com/laptop", Type: stanza.TypeChat},
		Body:   "@bender !roll 2d6 for Bender Rodriguez",
	})

	want := []EventType{EventBotCommand, EventPrivateMessage, EventMessage}
	got := rec.types()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected events %v in order, got %v", want, got)
		}
	}

	ev := rec.events[0]
	if ev.Message.Command != "roll" || ev.Message.CommandArgs != "2d6 for Bender Rodriguez" {
		t.Fatalf("unexpected command params %+v", ev.Message)
	}
}

func TestTopicMessageSuppressesGroupMessage(t *testing.T) {
	c, ft := newTestClient(t)
	rec := &eventRecorder{}
	rec.subscribeAll(c, EventGroupMessage, EventChannelMessage, EventMessage)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	ft.deliver(&stanza.Message{
		Header:  stanza.Header{From: "100_lobby@conf.example.com/Fry", Type: stanza.TypeGroupchat},
		Subject: "new topic",
	})

	got := rec.types()
	want := []EventType{EventChannelMessage, EventMessage}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestPresenceUpdateEmitsEventAndUpserts(t *testing.T) {
	c, ft := newTestClient(t)
	rec := &eventRecorder{}
	rec.subscribeAll(c, EventPresenceUpdate)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	ft.deliver(&stanza.Presence{Header: stanza.Header{From: "1_3@chat.example.com/laptop"}, Show: "chat"})
	ft.deliver(&stanza.Presence{
		Header:  stanza.Header{From: "1_3@chat.example.com/phone"},
		Show:    "away",
		HipChat: &stanza.PresenceInfo{ClientType: "mobile"},
	})

	if len(rec.types()) != 2 {
		t.Fatalf("expected 2 presence events, got %d", len(rec.types()))
	}

	presences := c.Session().Presences()
	if len(presences) != 1 {
		t.Fatalf("expected presence upsert to keep one entry, got %d", len(presences))
	}
	if presences[0].Show != "away" || presences[0].ClientType != "mobile" {
		t.Fatalf("expected the latest presence, got %+v", presences[0])
	}
}

func TestPostMessagePicksGroupchatForRoomService(t *testing.T) {
	c, ft := newTestClient(t)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	c.session.applyStartup(&stanza.StartupQuery{
		UserID: 7, GroupID: 100, Name: "Bender Rodriguez",
	}, "chat.example.com")

	if err := c.PostMessage("100_lobby@conf.example.com", "hi room"); err != nil {
		t.Fatalf("PostMessage returned error: %v", err)
	}
	if err := c.PostMessage("1_3@chat.example.com", "hi friend"); err != nil {
		t.Fatalf("PostMessage returned error: %v", err)
	}

	msgs := ft.sentMessages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages sent, got %d", len(msgs))
	}

	room := msgs[0]
	if room.Type != stanza.TypeGroupchat {
		t.Fatalf("expected groupchat message for room target, got %q", room.Type)
	}
	if room.To != "100_lobby@conf.example.com/Bender Rodriguez" {
		t.Fatalf("unexpected room target %q", room.To)
	}

	private := msgs[1]
	if private.Type != stanza.TypeChat {
		t.Fatalf("expected chat message for user target, got %q", private.Type)
	}
	if private.From != "100_7@chat.example.com" {
		t.Fatalf("expected sender stamped from profile, got %q", private.From)
	}
	if private.Active == nil {
		t.Fatalf("expected chat-state marker on outgoing message")
	}
}

func TestDisconnectStopsKeepAliveAndEmitsEvent(t *testing.T) {
	c, ft := newTestClient(t)
	rec := &eventRecorder{}
	rec.subscribeAll(c, EventDisconnected)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	if !c.keepalive.Running() {
		t.Fatalf("expected keepalive running while online")
	}

	ft.Close()

	if c.State() != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", c.State())
	}
	if c.keepalive.Running() {
		t.Fatalf("expected keepalive stopped on disconnect")
	}
	if len(rec.types()) != 1 {
		t.Fatalf("expected disconnected event, got %v", rec.types())
	}
}

func TestTransportErrorDoesNotTearDownState(t *testing.T) {
	c, ft := newTestClient(t)
	rec := &eventRecorder{}
	rec.subscribeAll(c, EventError)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	c.session.replaceRooms([]stanza.DiscoItem{
		{JID: "100_lobby@conf.example.com", Name: "Lobby", Room: &stanza.RoomInfo{ID: 100}},
	})

	ft.onError(fmt.Errorf("stream hiccup"))

	if len(rec.types()) != 1 {
		t.Fatalf("expected error event, got %v", rec.types())
	}
	if c.State() != StateOnline {
		t.Fatalf("expected state untouched by transport error, got %s", c.State())
	}
	if len(c.Session().Rooms()) != 1 {
		t.Fatalf("expected session state untouched by transport error")
	}
}
