package rooms

import (
	"sort"

	"github.com/chatmesh/chatmesh/src/common"
)

// StateResolver computes the resolved state at a set of graph extremities.
// The algorithm is deterministic: any peer holding the same events resolves
// the same frontier to the same state, regardless of arrival order.
//
// Conflicted state is settled in two passes. Control events (power levels,
// join rules, kicks and bans) are replayed first in reverse topological
// power order; everything else follows in mainline order, anchored to the
// resolved power levels event. Each replayed event is re-authorized against
// the state built so far, and rejected events simply do not contribute.
type StateResolver struct {
	store RoomEventStore
}

// NewStateResolver creates a resolver over a room event store.
func NewStateResolver(store RoomEventStore) *StateResolver {
	return &StateResolver{store: store}
}

// isPowerEvent reports whether an event takes the control-event path in
// resolution: power levels, join rules, and membership changes done to
// someone other than the sender (kicks and bans).
func isPowerEvent(ev *Event) bool {
	switch ev.EventType {
	case EventTypePowerLevels, EventTypeJoinRules:
		return true
	case EventTypeMember:
		var member MemberContent
		if !decodeStrict(ev.Content, &member) {
			return false
		}
		if member.Membership != MembershipLeave && member.Membership != MembershipBan {
			return false
		}
		return ev.StateKey == nil || *ev.StateKey != ev.Sender
	}
	return false
}

// senderPowerLevel returns the power level the sender of an event held when
// the event was made, read from the power levels event among its
// auth_events.
func (r *StateResolver) senderPowerLevel(eventID string) (int, error) {
	ev, err := r.store.LoadEvent(eventID)
	if err != nil {
		return 0, err
	}
	for _, authEventID := range ev.AuthEvents {
		authEvent, err := r.store.LoadEvent(authEventID)
		if err != nil {
			return 0, err
		}
		if authEvent.EventType != EventTypePowerLevels {
			continue
		}
		var levels PowerLevelsContent
		if !decodeStrict(authEvent.Content, &levels) {
			return 0, nil
		}
		return levels.UserLevel(ev.Sender), nil
	}
	creator, err := r.store.Creator()
	if err != nil {
		return 0, err
	}
	if ev.Sender == creator {
		return 100, nil
	}
	return 0, nil
}

// loadAuthChain collects the transitive auth_events closure of all state
// events recorded at the given extremity.
func (r *StateResolver) loadAuthChain(eventID string) (map[string]struct{}, error) {
	states, err := r.store.LoadStates(eventID)
	if err != nil {
		return nil, err
	}
	frontier := make(map[string]struct{})
	for _, stateEventID := range states {
		ev, err := r.store.LoadEvent(stateEventID)
		if err != nil {
			return nil, err
		}
		for _, authEventID := range ev.AuthEvents {
			frontier[authEventID] = struct{}{}
		}
	}
	chain := make(map[string]struct{}, len(frontier))
	for id := range frontier {
		chain[id] = struct{}{}
	}
	for len(frontier) > 0 {
		next := make(map[string]struct{})
		for id := range frontier {
			ev, err := r.store.LoadEvent(id)
			if err != nil {
				return nil, err
			}
			for _, authEventID := range ev.AuthEvents {
				if _, ok := chain[authEventID]; !ok {
					chain[authEventID] = struct{}{}
					next[authEventID] = struct{}{}
				}
			}
		}
		frontier = next
	}
	return chain, nil
}

// mainlineOrders walks the power levels ancestry of the resolved power
// levels event and assigns each mainline event a position, newest highest.
// Events with no mainline ancestor order at zero.
func (r *StateResolver) mainlineOrders(powerLevelsEventID string) (map[string]int, error) {
	mainline := []string{powerLevelsEventID}
	parent, err := r.store.LoadEvent(powerLevelsEventID)
	if err != nil {
		return nil, err
	}
	for parent != nil {
		authEventIDs := parent.AuthEvents
		parent = nil
		for _, authEventID := range authEventIDs {
			ev, err := r.store.LoadEvent(authEventID)
			if err != nil {
				return nil, err
			}
			if ev.EventType == EventTypePowerLevels {
				mainline = append(mainline, authEventID)
				parent = ev
				break
			}
		}
	}
	orders := make(map[string]int, len(mainline)+1)
	for i, id := range mainline {
		orders[id] = len(mainline) - i
	}
	orders[""] = 0
	return orders, nil
}

// closestMainlineID finds the nearest power levels ancestor of an event
// that lies on the mainline.
func (r *StateResolver) closestMainlineID(ev *Event, mainline map[string]int) (string, error) {
	parent := ev
	for parent != nil {
		authEventIDs := parent.AuthEvents
		parent = nil
		for _, authEventID := range authEventIDs {
			authEvent, err := r.store.LoadEvent(authEventID)
			if err != nil {
				return "", err
			}
			if authEvent.EventType == EventTypePowerLevels {
				if _, ok := mainline[authEventID]; ok {
					return authEventID, nil
				}
				parent = authEvent
				break
			}
		}
	}
	return "", nil
}

// reverseTopologicalPowerSort orders control events ancestors first; ties
// between unordered events break on sender power level descending, then
// timestamp ascending, then event id.
func reverseTopologicalPowerSort(
	children map[string]map[string]struct{},
	powerLevels map[string]int,
	controlEvents map[string]*Event,
) []string {
	ids := make([]string, 0, len(controlEvents))
	for id := range controlEvents {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		x, y := ids[i], ids[j]
		if powerLevels[x] != powerLevels[y] {
			return powerLevels[x] > powerLevels[y]
		}
		if controlEvents[x].OriginServerTS != controlEvents[y].OriginServerTS {
			return controlEvents[x].OriginServerTS < controlEvents[y].OriginServerTS
		}
		return x < y
	})
	rank := make(map[string]int, len(ids))
	for i, id := range ids {
		rank[id] = i
	}

	inDegrees := make(map[string]int, len(children))
	for id := range children {
		inDegrees[id] = 0
	}
	for _, childSet := range children {
		for child := range childSet {
			inDegrees[child]++
		}
	}
	var ready []string
	for id, deg := range inDegrees {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	result := make([]string, 0, len(children))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return rank[ready[i]] < rank[ready[j]] })
		id := ready[0]
		ready = ready[1:]
		for child := range children[id] {
			inDegrees[child]--
			if inDegrees[child] == 0 {
				ready = append(ready, child)
			}
		}
		result = append(result, id)
	}
	return result
}

// ResolveState resolves the room state at the given extremities.
func (r *StateResolver) ResolveState(eventIDs []string) (StateMap, error) {
	if len(eventIDs) == 0 {
		return nil, common.NewStoreErr("StateResolver", common.Empty, "no extremities")
	}
	if len(eventIDs) == 1 {
		return r.store.LoadStates(eventIDs[0])
	}

	branchStates := make([]StateMap, 0, len(eventIDs))
	for _, eventID := range eventIDs {
		states, err := r.store.LoadStates(eventID)
		if err != nil {
			return nil, err
		}
		branchStates = append(branchStates, states)
	}

	// Split into unconflicted and conflicted state. A key missing from some
	// branch counts as conflicted.
	allKeys := make(map[RoomStateKey]struct{})
	for _, states := range branchStates {
		for key := range states {
			allKeys[key] = struct{}{}
		}
	}
	unconflicted := make(StateMap)
	conflicted := make(map[RoomStateKey]map[string]struct{})
	for key := range allKeys {
		values := make(map[string]struct{})
		missingSomewhere := false
		for _, states := range branchStates {
			if id, ok := states[key]; ok {
				values[id] = struct{}{}
			} else {
				missingSomewhere = true
			}
		}
		if len(values) == 1 && !missingSomewhere {
			for id := range values {
				unconflicted[key] = id
			}
		} else {
			conflicted[key] = values
		}
	}
	if len(conflicted) == 0 {
		return unconflicted, nil
	}

	// The auth difference: auth chain union minus intersection across the
	// branches.
	authChains := make([]map[string]struct{}, 0, len(eventIDs))
	for _, eventID := range eventIDs {
		chain, err := r.loadAuthChain(eventID)
		if err != nil {
			return nil, err
		}
		authChains = append(authChains, chain)
	}
	authIntersect := make(map[string]struct{})
	for id := range authChains[0] {
		inAll := true
		for _, chain := range authChains[1:] {
			if _, ok := chain[id]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			authIntersect[id] = struct{}{}
		}
	}
	fullConflicted := make(map[string]struct{})
	for _, chain := range authChains {
		for id := range chain {
			if _, ok := authIntersect[id]; !ok {
				fullConflicted[id] = struct{}{}
			}
		}
	}
	for _, values := range conflicted {
		for id := range values {
			fullConflicted[id] = struct{}{}
		}
	}

	// Control events and their descendants within the conflicted set.
	children := make(map[string]map[string]struct{})
	for eventID := range fullConflicted {
		ev, err := r.store.LoadEvent(eventID)
		if err != nil {
			return nil, err
		}
		if !isPowerEvent(ev) {
			continue
		}
		if _, ok := children[eventID]; ok {
			continue
		}
		children[eventID] = make(map[string]struct{})
		frontier := []string{eventID}
		for len(frontier) > 0 {
			var next []string
			for _, childID := range frontier {
				childEvent, err := r.store.LoadEvent(childID)
				if err != nil {
					return nil, err
				}
				for _, authEventID := range childEvent.AuthEvents {
					if _, ok := fullConflicted[authEventID]; !ok {
						continue
					}
					if _, ok := children[authEventID]; !ok {
						children[authEventID] = make(map[string]struct{})
						next = append(next, authEventID)
					}
					children[authEventID][childID] = struct{}{}
				}
			}
			frontier = next
		}
	}
	powerLevels := make(map[string]int, len(children))
	controlEvents := make(map[string]*Event, len(children))
	for eventID := range children {
		level, err := r.senderPowerLevel(eventID)
		if err != nil {
			return nil, err
		}
		ev, err := r.store.LoadEvent(eventID)
		if err != nil {
			return nil, err
		}
		powerLevels[eventID] = level
		controlEvents[eventID] = ev
	}
	sortedControlEvents := reverseTopologicalPowerSort(children, powerLevels, controlEvents)

	result := unconflicted.Copy()

	// Replay the control events over the unconflicted state, re-authorizing
	// each against the state built so far.
	contents, err := loadStateContents(r.store, unconflicted)
	if err != nil {
		return nil, err
	}
	authorizer := NewAuthorizer(contents)
	for _, eventID := range sortedControlEvents {
		ev := controlEvents[eventID]
		key, ok := ev.RoomStateKey()
		if !ok {
			return nil, common.NewStoreErr("StateResolver", common.Empty, eventID)
		}
		sender, ok := ParseUserID(ev.Sender)
		if !ok {
			continue
		}
		next, allowed := authorizer.TryUpdateState(key, sender, ev.Content)
		authorizer = next
		if allowed {
			result[key] = eventID
		}
	}

	// Remaining conflicted events replay in mainline order when a power
	// levels event was resolved, otherwise by timestamp.
	sortedSet := make(map[string]struct{}, len(sortedControlEvents))
	for _, id := range sortedControlEvents {
		sortedSet[id] = struct{}{}
	}
	var remainingIDs []string
	remainingEvents := make(map[string]*Event)
	for eventID := range fullConflicted {
		if _, ok := sortedSet[eventID]; ok {
			continue
		}
		ev, err := r.store.LoadEvent(eventID)
		if err != nil {
			return nil, err
		}
		remainingIDs = append(remainingIDs, eventID)
		remainingEvents[eventID] = ev
	}
	powerLevelsEventID, havePowerLevels := result[RoomStateKey{EventType: EventTypePowerLevels, StateKey: ""}]
	if !havePowerLevels {
		sort.Slice(remainingIDs, func(i, j int) bool {
			x, y := remainingIDs[i], remainingIDs[j]
			if remainingEvents[x].OriginServerTS != remainingEvents[y].OriginServerTS {
				return remainingEvents[x].OriginServerTS < remainingEvents[y].OriginServerTS
			}
			return x < y
		})
	} else {
		orders, err := r.mainlineOrders(powerLevelsEventID)
		if err != nil {
			return nil, err
		}
		closest := make(map[string]string, len(remainingIDs))
		for eventID, ev := range remainingEvents {
			id, err := r.closestMainlineID(ev, orders)
			if err != nil {
				return nil, err
			}
			closest[eventID] = id
		}
		sort.Slice(remainingIDs, func(i, j int) bool {
			x, y := remainingIDs[i], remainingIDs[j]
			if orders[closest[x]] != orders[closest[y]] {
				return orders[closest[x]] < orders[closest[y]]
			}
			if remainingEvents[x].OriginServerTS != remainingEvents[y].OriginServerTS {
				return remainingEvents[x].OriginServerTS < remainingEvents[y].OriginServerTS
			}
			return x < y
		})
	}
	for _, eventID := range remainingIDs {
		ev := remainingEvents[eventID]
		key, ok := ev.RoomStateKey()
		if !ok {
			return nil, common.NewStoreErr("StateResolver", common.Empty, eventID)
		}
		sender, ok := ParseUserID(ev.Sender)
		if !ok {
			continue
		}
		next, allowed := authorizer.TryUpdateState(key, sender, ev.Content)
		authorizer = next
		if allowed {
			result[key] = eventID
		}
	}
	return result, nil
}
