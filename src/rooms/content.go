package rooms

import (
	"bytes"
	"encoding/json"
)

// Control event types. These are the state events the authorization engine
// and the state resolver give special treatment.
const (
	EventTypeCreate      = "m.room.create"
	EventTypeMember      = "m.room.member"
	EventTypePowerLevels = "m.room.power_levels"
	EventTypeJoinRules   = "m.room.join_rules"
	EventTypeName        = "m.room.name"
	EventTypeTopic       = "m.room.topic"
	EventTypeMessage     = "m.room.message"
)

// Membership values carried by m.room.member content.
const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
	MembershipKnock  = "knock"
)

// Join rules carried by m.room.join_rules content.
const (
	JoinRulePublic = "public"
	JoinRuleInvite = "invite"
	JoinRuleKnock  = "knock"
)

// ControlContent is the closed set of decoded control event payloads. The
// four implementations below are the only members.
type ControlContent interface {
	controlContent()
}

// CreateContent is the payload of m.room.create, the root of every room
// graph.
type CreateContent struct {
	Creator     string `json:"creator"`
	Federate    *bool  `json:"m.federate,omitempty"`
	RoomVersion string `json:"room_version,omitempty"`
}

func (*CreateContent) controlContent() {}

// MemberContent is the payload of m.room.member.
type MemberContent struct {
	AvatarURL   string `json:"avatar_url,omitempty"`
	DisplayName string `json:"displayname,omitempty"`
	Membership  string `json:"membership"`
	IsDirect    *bool  `json:"is_direct,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (*MemberContent) controlContent() {}

// JoinRulesContent is the payload of m.room.join_rules.
type JoinRulesContent struct {
	JoinRule string `json:"join_rule"`
}

func (*JoinRulesContent) controlContent() {}

// PowerLevelsContent is the payload of m.room.power_levels. Scalar fields
// are pointers so that an absent field can be told apart from an explicit
// zero; the *Level methods apply the protocol defaults.
type PowerLevelsContent struct {
	Ban           *int           `json:"ban,omitempty"`
	Events        map[string]int `json:"events,omitempty"`
	EventsDefault *int           `json:"events_default,omitempty"`
	Invite        *int           `json:"invite,omitempty"`
	Kick          *int           `json:"kick,omitempty"`
	Notifications map[string]int `json:"notifications,omitempty"`
	Redact        *int           `json:"redact,omitempty"`
	StateDefault  *int           `json:"state_default,omitempty"`
	Users         map[string]int `json:"users,omitempty"`
	UsersDefault  *int           `json:"users_default,omitempty"`
}

func (*PowerLevelsContent) controlContent() {}

func levelOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// BanLevel returns the level required to ban, default 50.
func (p *PowerLevelsContent) BanLevel() int { return levelOr(p.Ban, 50) }

// KickLevel returns the level required to kick, default 50.
func (p *PowerLevelsContent) KickLevel() int { return levelOr(p.Kick, 50) }

// InviteLevel returns the level required to invite, default 0.
func (p *PowerLevelsContent) InviteLevel() int { return levelOr(p.Invite, 0) }

// RedactLevel returns the level required to redact, default 50.
func (p *PowerLevelsContent) RedactLevel() int { return levelOr(p.Redact, 50) }

// StateDefaultLevel returns the level required to send state events not
// listed in Events, default 50.
func (p *PowerLevelsContent) StateDefaultLevel() int { return levelOr(p.StateDefault, 50) }

// EventsDefaultLevel returns the level required to send non-state events not
// listed in Events, default 0.
func (p *PowerLevelsContent) EventsDefaultLevel() int { return levelOr(p.EventsDefault, 0) }

// UsersDefaultLevel returns the level of users not listed in Users, default
// 0.
func (p *PowerLevelsContent) UsersDefaultLevel() int { return levelOr(p.UsersDefault, 0) }

// UserLevel returns the effective power level of a user.
func (p *PowerLevelsContent) UserLevel(userID string) int {
	if level, ok := p.Users[userID]; ok {
		return level
	}
	return p.UsersDefaultLevel()
}

// EventLevel returns the level required to send an event of the given type.
func (p *PowerLevelsContent) EventLevel(eventType string, isState bool) int {
	if level, ok := p.Events[eventType]; ok {
		return level
	}
	if isState {
		return p.StateDefaultLevel()
	}
	return p.EventsDefaultLevel()
}

func mustMarshalJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func decodeStrict(data []byte, v interface{}) bool {
	dec := json.NewDecoder(bytes.NewReader(data))
	return dec.Decode(v) == nil
}

// DecodeControlContent decodes the content of a control event into its
// typed form. It returns false for unknown event types and for content that
// does not parse.
func DecodeControlContent(eventType string, content json.RawMessage) (ControlContent, bool) {
	switch eventType {
	case EventTypeCreate:
		var c CreateContent
		if !decodeStrict(content, &c) {
			return nil, false
		}
		return &c, true
	case EventTypeMember:
		var c MemberContent
		if !decodeStrict(content, &c) {
			return nil, false
		}
		return &c, true
	case EventTypeJoinRules:
		var c JoinRulesContent
		if !decodeStrict(content, &c) {
			return nil, false
		}
		return &c, true
	case EventTypePowerLevels:
		var c PowerLevelsContent
		if !decodeStrict(content, &c) {
			return nil, false
		}
		return &c, true
	}
	return nil, false
}
