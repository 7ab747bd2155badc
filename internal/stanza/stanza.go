// Package stanza defines the wire-level XML stanza types exchanged with the
// HipChat XMPP service, plus the protocol extension payloads the client
// understands. Encoding and decoding use encoding/xml; addressing uses
// mellium.im/xmpp/jid.
package stanza

import (
	"bytes"
	"encoding/xml"
	"fmt"

	"mellium.im/xmpp/jid"
)

// Namespaces used by the protocol extensions the client supports.
const (
	NSRoster     = "jabber:iq:roster"
	NSDiscoItems = "http://jabber.org/protocol/disco#items"
	NSStartup    = "http://hipchat.com/protocol/startup"
	NSMUC        = "http://jabber.org/protocol/muc"
	NSMUCRoom    = "http://hipchat.com/protocol/muc#room"
	NSMUCUser    = "http://jabber.org/protocol/muc#user"
	NSPresence   = "http://hipchat.com/protocol/presence"
	NSChatStates = "http://jabber.org/protocol/chatstates"
	NSCaps       = "http://jabber.org/protocol/caps"
	NSVCard      = "vcard-temp"
)

// Stanza type attribute values.
const (
	TypeError       = "error"
	TypeChat        = "chat"
	TypeGroupchat   = "groupchat"
	TypeGet         = "get"
	TypeResult      = "result"
	TypeUnavailable = "unavailable"
)

// CapsNode identifies the client as a bot to the service.
const CapsNode = "http://hipchat.com/client/bot"

// Header holds the attributes shared by all stanza kinds.
type Header struct {
	From string `xml:"from,attr,omitempty"`
	To   string `xml:"to,attr,omitempty"`
	ID   string `xml:"id,attr,omitempty"`
	Type string `xml:"type,attr,omitempty"`
}

// FromJID parses the from attribute. Returns the zero JID if absent or invalid.
func (h Header) FromJID() jid.JID {
	j, _ := jid.Parse(h.From)
	return j
}

// ToJID parses the to attribute. Returns the zero JID if absent or invalid.
func (h Header) ToJID() jid.JID {
	j, _ := jid.Parse(h.To)
	return j
}

// Message is a message stanza.
type Message struct {
	XMLName xml.Name `xml:"message"`
	Header
	Body    string     `xml:"body,omitempty"`
	Subject string     `xml:"subject,omitempty"`
	Active  *ChatState `xml:"http://jabber.org/protocol/chatstates active,omitempty"`
	MUCUser *MUCUser   `xml:"http://jabber.org/protocol/muc#user x,omitempty"`
	Error   *Error     `xml:"error,omitempty"`
}

// ChatState is an empty chat-state marker element.
type ChatState struct{}

// MUCUser is the muc#user extension carried by room messages.
type MUCUser struct {
	Invite *Invite `xml:"invite,omitempty"`
}

// Invite is a room invitation inside a muc#user extension.
type Invite struct {
	From   string `xml:"from,attr,omitempty"`
	Reason string `xml:"reason,omitempty"`
}

// Presence is a presence stanza.
type Presence struct {
	XMLName xml.Name `xml:"presence"`
	Header
	Show    string        `xml:"show,omitempty"`
	Status  string        `xml:"status,omitempty"`
	Caps    *Caps         `xml:"http://jabber.org/protocol/caps c,omitempty"`
	MUC     *MUCJoin      `xml:"http://jabber.org/protocol/muc x,omitempty"`
	HipChat *PresenceInfo `xml:"http://hipchat.com/protocol/presence x,omitempty"`
	Error   *Error        `xml:"error,omitempty"`
}

// Caps is the entity-capabilities element attached to availability presence.
type Caps struct {
	Node string `xml:"node,attr"`
	Ver  string `xml:"ver,attr"`
}

// MUCJoin is the muc extension sent when joining or leaving a room.
type MUCJoin struct {
	History *History `xml:"history,omitempty"`
}

// History limits the amount of room history sent on join.
type History struct {
	MaxStanzas int `xml:"maxstanzas,attr"`
}

// PresenceInfo is the HipChat presence extension.
type PresenceInfo struct {
	ClientType string `xml:"client_type,omitempty"`
}

// IQ is a query stanza. The payload is kept raw and decoded on demand, since
// the element inside depends on the query namespace.
type IQ struct {
	XMLName xml.Name `xml:"iq"`
	Header
	Inner []byte `xml:",innerxml"`
}

// NewIQ builds an outgoing IQ around the given payload.
func NewIQ(typ, to string, payload any) (*IQ, error) {
	inner, err := xml.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal iq payload: %w", err)
	}
	return &IQ{Header: Header{To: to, Type: typ}, Inner: inner}, nil
}

// Decode unmarshals the IQ payload into v.
func (iq *IQ) Decode(v any) error {
	if err := xml.Unmarshal(iq.Inner, v); err != nil {
		return fmt.Errorf("decode iq payload: %w", err)
	}
	return nil
}

// StanzaError extracts the error child of an error-typed IQ. Returns nil for
// non-error IQs, and a condition-less error when the child is missing or
// malformed.
func (iq *IQ) StanzaError() *Error {
	if iq.Type != TypeError {
		return nil
	}
	d := xml.NewDecoder(bytes.NewReader(iq.Inner))
	for {
		tok, err := d.Token()
		if err != nil {
			return &Error{}
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != "error" {
			if err := d.Skip(); err != nil {
				return &Error{}
			}
			continue
		}
		var e Error
		if err := d.DecodeElement(&e, &start); err != nil {
			return &Error{}
		}
		return &e
	}
}

// Error is a stanza-level error element.
type Error struct {
	XMLName xml.Name `xml:"error"`
	Code    int      `xml:"code,attr,omitempty"`
	Type    string   `xml:"type,attr,omitempty"`
	Text    string   `xml:"urn:ietf:params:xml:ns:xmpp-stanzas text,omitempty"`
}

// Error implements the error interface so a stanza error can reject a
// pending query directly.
func (e *Error) Error() string {
	if e.Text != "" {
		return fmt.Sprintf("stanza error %d (%s): %s", e.Code, e.Type, e.Text)
	}
	return fmt.Sprintf("stanza error %d (%s)", e.Code, e.Type)
}
