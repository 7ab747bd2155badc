package client

import (
	"strconv"
	"sync"

	"mellium.im/xmpp/jid"

	"github.com/hipbot/hipchat/internal/stanza"
)

// Profile is the account's own identity, populated from the startup exchange.
type Profile struct {
	UserID      int
	Email       string
	MentionName string
	Name        string
	PhotoLarge  string
	PhotoSmall  string
	Title       string
	IsAdmin     bool
	JID         jid.JID
}

// ServerData is the group-level data from the startup exchange.
type ServerData struct {
	GroupID                int
	GroupName              string
	GroupURIDomain         string
	GroupInviteURL         string
	GroupAvatarURL         string
	GroupAbsoluteAvatarURL string
	Token                  string
	AddliveAppID           string
	Plan                   string

	// AutoJoin lists rooms the service wants joined on startup.
	AutoJoin []Room

	// PendingChats lists auto-join items without room metadata: 1-1
	// conversations, never joined as rooms.
	PendingChats []jid.JID
}

// Room is one entry of the room directory.
type Room struct {
	JID             jid.JID
	Name            string
	ID              int
	Topic           string
	Privacy         string
	Owner           string
	NumParticipants int
	GuestURL        string
	IsArchived      bool
}

// RosterEntry is one contact.
type RosterEntry struct {
	JID         jid.JID
	Name        string
	MentionName string
}

// Presence is the availability state of one user.
type Presence struct {
	User       jid.JID
	Type       string
	Show       string
	ClientType string
}

// Session holds the derived state of the connection: profile, server data,
// rooms, roster and presences. Update semantics differ by entity and are a
// documented contract: the room and roster lists are fully REPLACED by each
// refresh, while presences are UPSERTED per user identity. The session is
// mutated only by the stanza router; external consumers read copies.
type Session struct {
	mu          sync.RWMutex
	profile     Profile
	haveProfile bool
	serverData  ServerData
	rooms       []Room
	roster      []RosterEntry
	presences   []Presence
}

// NewSession creates an empty session.
func NewSession() *Session {
	return &Session{}
}

// roomFromItem builds a Room from a directory item carrying muc#room
// metadata.
func roomFromItem(item stanza.DiscoItem) Room {
	j, _ := jid.Parse(item.JID)
	r := Room{
		JID:  j,
		Name: item.Name,
	}
	if item.Room != nil {
		r.ID = item.Room.ID
		r.Topic = item.Room.Topic
		r.Privacy = item.Room.Privacy
		r.Owner = item.Room.Owner
		r.NumParticipants = item.Room.NumParticipants
		r.GuestURL = item.Room.GuestURL
		r.IsArchived = item.Room.Archived()
	}
	return r
}

// replaceRooms rebuilds the room list from a disco#items response. The
// previous list is discarded entirely. Returns the new list.
func (s *Session) replaceRooms(items []stanza.DiscoItem) []Room {
	rooms := make([]Room, 0, len(items))
	for _, item := range items {
		rooms = append(rooms, roomFromItem(item))
	}

	s.mu.Lock()
	s.rooms = rooms
	s.mu.Unlock()

	return s.Rooms()
}

// replaceRoster rebuilds the roster from a roster-query response. The
// previous list is discarded entirely. Returns the new list.
func (s *Session) replaceRoster(items []stanza.RosterItem) []RosterEntry {
	roster := make([]RosterEntry, 0, len(items))
	for _, item := range items {
		j, _ := jid.Parse(item.JID)
		roster = append(roster, RosterEntry{
			JID:         j,
			Name:        item.Name,
			MentionName: item.MentionName,
		})
	}

	s.mu.Lock()
	s.roster = roster
	s.mu.Unlock()

	return s.Roster()
}

// applyStartup merges the startup payload into the profile and server data.
// Startup may recur after a reconnect; fields are merged in place rather than
// the aggregate being swapped. Auto-join items with room metadata become
// rooms to join; items without it are pending 1-1 conversations. Returns
// snapshots of the merged profile and server data.
func (s *Session) applyStartup(q *stanza.StartupQuery, host string) (Profile, ServerData) {
	s.mu.Lock()

	s.profile.UserID = q.UserID
	s.profile.Email = q.Email
	s.profile.MentionName = q.MentionName
	s.profile.Name = q.Name
	s.profile.PhotoLarge = q.PhotoLarge
	s.profile.PhotoSmall = q.PhotoSmall
	s.profile.Title = q.Title
	s.profile.IsAdmin = q.IsAdmin

	// The session JID is derived as <group_id>_<user_id>@<host>
	local := strconv.Itoa(q.GroupID) + "_" + strconv.Itoa(q.UserID)
	if j, err := jid.New(local, host, ""); err == nil {
		s.profile.JID = j
	}
	s.haveProfile = true

	s.serverData.GroupID = q.GroupID
	s.serverData.GroupName = q.GroupName
	s.serverData.GroupURIDomain = q.GroupURIDomain
	s.serverData.GroupInviteURL = q.GroupInviteURL
	s.serverData.GroupAvatarURL = q.GroupAvatarURL
	s.serverData.GroupAbsoluteAvatarURL = q.GroupAbsoluteAvatarURL
	s.serverData.Token = q.Token
	s.serverData.AddliveAppID = q.AddliveAppID
	s.serverData.Plan = q.Plan

	s.serverData.AutoJoin = nil
	s.serverData.PendingChats = nil
	if q.Preferences != nil {
		for _, item := range q.Preferences.AutoJoin {
			if item.Room == nil {
				if j, err := jid.Parse(item.JID); err == nil {
					s.serverData.PendingChats = append(s.serverData.PendingChats, j)
				}
				continue
			}
			s.serverData.AutoJoin = append(s.serverData.AutoJoin, roomFromItem(item))
		}
	}

	profile := s.profile
	data := s.serverData
	s.mu.Unlock()

	return profile, data
}

// upsertPresence records the availability of one user, keyed by bare JID.
// An existing entry for the user is overwritten in place; unknown users are
// appended. The set holds at most one entry per user identity.
func (s *Session) upsertPresence(p Presence) Presence {
	key := p.User.Bare().String()

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.presences {
		if s.presences[i].User.Bare().String() == key {
			s.presences[i] = p
			return p
		}
	}
	s.presences = append(s.presences, p)
	return p
}

// Profile returns the profile snapshot and whether startup has populated it.
func (s *Session) Profile() (Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile, s.haveProfile
}

// ServerData returns a snapshot of the group-level server data.
func (s *Session) ServerData() ServerData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverData
}

// Rooms returns a copy of the current room list.
func (s *Session) Rooms() []Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Room, len(s.rooms))
	copy(out, s.rooms)
	return out
}

// Roster returns a copy of the current roster.
func (s *Session) Roster() []RosterEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RosterEntry, len(s.roster))
	copy(out, s.roster)
	return out
}

// Presences returns a copy of the current presence set.
func (s *Session) Presences() []Presence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Presence, len(s.presences))
	copy(out, s.presences)
	return out
}
