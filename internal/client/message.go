package client

import (
	"regexp"
	"strings"

	"mellium.im/xmpp/jid"

	"github.com/hipbot/hipchat/internal/stanza"
)

// Message is the classified form of one inbound message stanza. Immutable
// once built; every flag is derived independently, so a message may satisfy
// several classifications at once.
type Message struct {
	From    jid.JID
	To      jid.JID
	Body    string
	Type    string
	Subject string

	// Channel is the sender's room identity for groupchat messages and the
	// zero JID otherwise.
	Channel jid.JID

	IsCommand   bool
	Command     string
	CommandArgs string

	HasAtMention      bool
	HasNameMention    bool
	HasChannelMention bool
	IsChannelMessage  bool
	IsLinkPost        bool

	// Invite is set when the stanza carries a muc#user invite extension.
	Invite *Invite
}

// Invite is a room invitation extracted from a message stanza.
type Invite struct {
	Room   jid.JID
	From   jid.JID
	Reason string
}

var channelMentionRx = regexp.MustCompile(`(?i)@all|@here`)

// Classify maps a message stanza to a Message using an immutable profile
// snapshot. Pure: no session state is read or written, and identical inputs
// yield identical results.
func Classify(profile Profile, msg *stanza.Message) Message {
	m := Message{
		From:    msg.FromJID(),
		To:      msg.ToJID(),
		Body:    msg.Body,
		Type:    msg.Type,
		Subject: msg.Subject,
	}

	// Integration posts arrive from a "link" resource
	m.IsLinkPost = strings.EqualFold(m.From.Resourcepart(), "link")

	m.IsChannelMessage = m.Subject != "" && m.Type == stanza.TypeGroupchat

	if profile.Name != "" {
		m.HasNameMention = containsFold(m.Body, profile.Name)
	}
	if profile.MentionName != "" {
		m.HasAtMention = containsFold(m.Body, "@"+profile.MentionName)
	}
	m.HasChannelMention = channelMentionRx.MatchString(m.Body)

	if m.Type == stanza.TypeGroupchat {
		m.Channel = m.From.Bare()
	}

	if match := commandPattern(profile.MentionName).FindStringSubmatch(m.Body); match != nil {
		m.IsCommand = true
		m.Command = match[1]
		m.CommandArgs = match[2]
	}

	if msg.MUCUser != nil && msg.MUCUser.Invite != nil {
		from, _ := jid.Parse(msg.MUCUser.Invite.From)
		m.Invite = &Invite{
			Room:   m.From.Bare(),
			From:   from,
			Reason: msg.MUCUser.Invite.Reason,
		}
	}

	return m
}

// commandPattern matches "!cmd args", optionally prefixed by the bot's own
// @-mention.
func commandPattern(mentionName string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)^(?:@` + regexp.QuoteMeta(mentionName) + `\s)?!(\w+)\s?(.*)?`)
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
