package stanza

import "encoding/xml"

// Request payloads for the outgoing queries the client issues. These are
// separate from the response types so marshaling emits only the query shell.

// StartupRequest asks the service for the startup bootstrap payload.
type StartupRequest struct {
	XMLName                   xml.Name `xml:"http://hipchat.com/protocol/startup query"`
	SendAutoJoinUserPresences bool     `xml:"send_auto_join_user_presences,attr"`
}

// RosterRequest asks for the full contact roster.
type RosterRequest struct {
	XMLName xml.Name `xml:"jabber:iq:roster query"`
}

// DiscoItemsRequest asks the room service for the room directory.
type DiscoItemsRequest struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/disco#items query"`
}

// VCardRequest asks for the account's own vCard.
type VCardRequest struct {
	XMLName xml.Name `xml:"vcard-temp vCard"`
}

// RosterQuery is a roster response payload.
type RosterQuery struct {
	XMLName xml.Name     `xml:"jabber:iq:roster query"`
	Items   []RosterItem `xml:"item"`
}

// RosterItem is one roster entry. HipChat adds the mention_name attribute to
// the standard item element.
type RosterItem struct {
	JID         string `xml:"jid,attr"`
	Name        string `xml:"name,attr"`
	MentionName string `xml:"mention_name,attr"`
}

// DiscoItemsQuery is a disco#items response payload listing rooms.
type DiscoItemsQuery struct {
	XMLName xml.Name    `xml:"http://jabber.org/protocol/disco#items query"`
	Items   []DiscoItem `xml:"item"`
}

// DiscoItem is one directory entry. Room entries carry a muc#room extension;
// entries without one are 1-1 conversations, not rooms.
type DiscoItem struct {
	JID  string    `xml:"jid,attr"`
	Name string    `xml:"name,attr"`
	Room *RoomInfo `xml:"http://hipchat.com/protocol/muc#room x"`
}

// RoomInfo is the muc#room metadata extension.
type RoomInfo struct {
	ID              int       `xml:"id"`
	Topic           string    `xml:"topic"`
	Privacy         string    `xml:"privacy"`
	Owner           string    `xml:"owner"`
	NumParticipants int       `xml:"num_participants"`
	GuestURL        string    `xml:"guest_url"`
	IsArchived      *struct{} `xml:"is_archived"`
}

// Archived reports whether the archived flag element is present.
func (r *RoomInfo) Archived() bool {
	return r != nil && r.IsArchived != nil
}

// StartupQuery is the startup-protocol response payload. It mixes the user's
// profile, group-level server data and the auto-join preference list.
type StartupQuery struct {
	XMLName xml.Name `xml:"http://hipchat.com/protocol/startup query"`

	UserID      int    `xml:"user_id"`
	Email       string `xml:"email"`
	MentionName string `xml:"mention_name"`
	Name        string `xml:"name"`
	PhotoLarge  string `xml:"photo_large"`
	PhotoSmall  string `xml:"photo_small"`
	Title       string `xml:"title"`
	IsAdmin     bool   `xml:"is_admin"`

	GroupID                int    `xml:"group_id"`
	GroupName              string `xml:"group_name"`
	GroupURIDomain         string `xml:"group_uri_domain"`
	GroupInviteURL         string `xml:"group_invite_url"`
	GroupAvatarURL         string `xml:"group_avatar_url"`
	GroupAbsoluteAvatarURL string `xml:"group_absolute_avatar_url"`

	Token        string `xml:"token"`
	AddliveAppID string `xml:"addlive_app_id"`
	Plan         string `xml:"plan"`

	Preferences *Preferences `xml:"preferences"`
}

// Preferences holds the auto-join list from the startup payload.
type Preferences struct {
	AutoJoin []DiscoItem `xml:"autoJoin>item"`
}
