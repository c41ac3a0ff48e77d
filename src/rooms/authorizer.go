package rooms

import (
	"encoding/json"
	"strings"
)

// Authorizer evaluates the room's authorization rules against a fixed state
// view. It decodes the control events it needs once at construction and is
// immutable afterwards; TryUpdateState returns a new Authorizer.
type Authorizer struct {
	states      StateContents
	create      *CreateContent
	powerLevels *PowerLevelsContent
	joinRules   *JoinRulesContent
	members     map[string]*MemberContent
}

// NewAuthorizer builds an Authorizer over the given state contents. Control
// events with undecodable content are treated as absent.
func NewAuthorizer(states StateContents) *Authorizer {
	a := &Authorizer{
		states:  states,
		members: make(map[string]*MemberContent),
	}
	for key, content := range states {
		decoded, ok := DecodeControlContent(key.EventType, content)
		if !ok {
			continue
		}
		switch c := decoded.(type) {
		case *CreateContent:
			if key.StateKey == "" {
				a.create = c
			}
		case *PowerLevelsContent:
			if key.StateKey == "" {
				a.powerLevels = c
			}
		case *JoinRulesContent:
			if key.StateKey == "" {
				a.joinRules = c
			}
		case *MemberContent:
			a.members[key.StateKey] = c
		}
	}
	return a
}

// HasCreate reports whether the state view contains the room's creation
// event.
func (a *Authorizer) HasCreate() bool {
	return a.create != nil
}

// Member returns the membership content recorded for a user, or nil.
func (a *Authorizer) Member(userID string) *MemberContent {
	return a.members[userID]
}

func (a *Authorizer) membership(userID string) string {
	if m := a.members[userID]; m != nil {
		return m.Membership
	}
	return ""
}

// PowerLevel returns the effective power level of a user: the power levels
// event if one exists, otherwise 100 for the room creator and 0 for
// everyone else.
func (a *Authorizer) PowerLevel(userID string) int {
	if a.powerLevels != nil {
		return a.powerLevels.UserLevel(userID)
	}
	if a.create != nil && a.create.Creator == userID {
		return 100
	}
	return 0
}

// requiredLevel returns the power level required to send an event of the
// given type, 0 when the room has no power levels event.
func (a *Authorizer) requiredLevel(eventType string, stateKey *string) int {
	if a.powerLevels == nil {
		return 0
	}
	return a.powerLevels.EventLevel(eventType, stateKey != nil)
}

// Authorize decides whether the sender may add an event of the given type,
// state key and content on top of the authorizer's state view.
func (a *Authorizer) Authorize(eventType string, stateKey *string, sender UserID, content json.RawMessage) bool {
	if eventType == EventTypeCreate {
		return a.authorizeCreate(stateKey, sender, content)
	}
	if a.create == nil {
		return false
	}
	if eventType == EventTypeMember {
		return a.authorizeMember(stateKey, sender, content)
	}
	return a.authorizeOther(eventType, stateKey, sender, content)
}

func (a *Authorizer) authorizeCreate(stateKey *string, sender UserID, content json.RawMessage) bool {
	if a.create != nil {
		return false
	}
	if stateKey == nil || *stateKey != "" {
		return false
	}
	var c CreateContent
	if !decodeStrict(content, &c) {
		return false
	}
	return c.Creator == sender.String()
}

func (a *Authorizer) authorizeMember(stateKey *string, sender UserID, content json.RawMessage) bool {
	if stateKey == nil {
		return false
	}
	target, ok := ParseUserID(*stateKey)
	if !ok {
		return false
	}
	var member MemberContent
	if !decodeStrict(content, &member) {
		return false
	}
	senderLevel := a.PowerLevel(sender.String())
	targetMembership := a.membership(target.String())

	switch member.Membership {
	case MembershipJoin:
		if sender != target {
			return false
		}
		if targetMembership == MembershipBan {
			return false
		}
		// The creator's first join happens before any join rules exist.
		// The sender == target check above is stricter than the bare
		// single-state check needs, but a foreign sender could never be
		// authorized for anything else in a one-event room anyway.
		if len(a.states) == 1 && a.create != nil && a.create.Creator == target.String() {
			return true
		}
		if a.joinRules == nil {
			return false
		}
		// Joins go through under the public rule or, for invited users,
		// the invite rule. Other rules, knock included, never admit a
		// join directly.
		switch a.joinRules.JoinRule {
		case JoinRulePublic:
			return true
		case JoinRuleInvite:
			return targetMembership == MembershipInvite || targetMembership == MembershipJoin
		}
		return false

	case MembershipInvite:
		if a.membership(sender.String()) != MembershipJoin {
			return false
		}
		if targetMembership == MembershipJoin || targetMembership == MembershipBan {
			return false
		}
		return senderLevel >= a.inviteLevel()

	case MembershipLeave:
		if sender == target {
			switch targetMembership {
			case MembershipInvite, MembershipJoin, MembershipKnock:
				return true
			}
			return false
		}
		if a.membership(sender.String()) != MembershipJoin {
			return false
		}
		if targetMembership == MembershipBan && senderLevel < a.banLevel() {
			return false
		}
		return senderLevel >= a.kickLevel() && senderLevel > a.PowerLevel(target.String())

	case MembershipBan:
		if a.membership(sender.String()) != MembershipJoin {
			return false
		}
		return senderLevel >= a.banLevel() && senderLevel > a.PowerLevel(target.String())

	case MembershipKnock:
		if a.joinRules == nil || a.joinRules.JoinRule != JoinRuleKnock {
			return false
		}
		if sender != target {
			return false
		}
		switch targetMembership {
		case MembershipBan, MembershipInvite, MembershipJoin:
			return false
		}
		return true
	}
	return false
}

func (a *Authorizer) authorizeOther(eventType string, stateKey *string, sender UserID, content json.RawMessage) bool {
	if a.membership(sender.String()) != MembershipJoin {
		return false
	}
	senderLevel := a.PowerLevel(sender.String())
	if senderLevel < a.requiredLevel(eventType, stateKey) {
		return false
	}
	if stateKey != nil && strings.HasPrefix(*stateKey, "@") && *stateKey != sender.String() {
		return false
	}
	if eventType == EventTypePowerLevels {
		return a.authorizePowerLevels(sender, senderLevel, content)
	}
	return true
}

// authorizePowerLevels enforces the no-privilege-escalation rules on a
// power levels update: no field may be moved across the sender's own level,
// and levels of equal-powered users are immutable.
func (a *Authorizer) authorizePowerLevels(sender UserID, senderLevel int, content json.RawMessage) bool {
	var next PowerLevelsContent
	if !decodeStrict(content, &next) {
		return false
	}
	for userID := range next.Users {
		if _, ok := ParseUserID(userID); !ok {
			return false
		}
	}
	prev := a.powerLevels
	if prev == nil {
		return true
	}

	scalars := []struct{ old, new int }{
		{prev.UsersDefaultLevel(), next.UsersDefaultLevel()},
		{prev.EventsDefaultLevel(), next.EventsDefaultLevel()},
		{prev.StateDefaultLevel(), next.StateDefaultLevel()},
		{prev.BanLevel(), next.BanLevel()},
		{prev.KickLevel(), next.KickLevel()},
		{prev.InviteLevel(), next.InviteLevel()},
		{prev.RedactLevel(), next.RedactLevel()},
	}
	for _, pair := range scalars {
		if pair.old != pair.new && (pair.old > senderLevel || pair.new > senderLevel) {
			return false
		}
	}
	if !mapChangesWithin(prev.Events, next.Events, senderLevel) {
		return false
	}
	if !mapChangesWithin(prev.Users, next.Users, senderLevel) {
		return false
	}
	if !mapChangesWithin(prev.Notifications, next.Notifications, senderLevel) {
		return false
	}

	// Equal-powered users cannot change each other's level.
	for userID, level := range prev.Users {
		if userID == sender.String() || level != senderLevel {
			continue
		}
		newLevel, ok := next.Users[userID]
		if !ok || newLevel != level {
			return false
		}
	}
	return true
}

// mapChangesWithin checks that every added, removed or changed entry stays
// at or below the sender's level on both sides of the change.
func mapChangesWithin(prev, next map[string]int, senderLevel int) bool {
	for key, oldLevel := range prev {
		newLevel, ok := next[key]
		if ok && newLevel == oldLevel {
			continue
		}
		if oldLevel > senderLevel {
			return false
		}
		if ok && newLevel > senderLevel {
			return false
		}
	}
	for key, newLevel := range next {
		if _, ok := prev[key]; ok {
			continue
		}
		if newLevel > senderLevel {
			return false
		}
	}
	return true
}

func (a *Authorizer) inviteLevel() int {
	if a.powerLevels == nil {
		return 0
	}
	return a.powerLevels.InviteLevel()
}

func (a *Authorizer) kickLevel() int {
	if a.powerLevels == nil {
		return 50
	}
	return a.powerLevels.KickLevel()
}

func (a *Authorizer) banLevel() int {
	if a.powerLevels == nil {
		return 50
	}
	return a.powerLevels.BanLevel()
}

// TryUpdateState applies one state event to the authorizer's view if the
// rules allow it, returning the updated authorizer.
func (a *Authorizer) TryUpdateState(key RoomStateKey, sender UserID, content json.RawMessage) (*Authorizer, bool) {
	if !a.Authorize(key.EventType, &key.StateKey, sender, content) {
		return a, false
	}
	states := a.states.Copy()
	states[key] = content
	return NewAuthorizer(states), true
}
