package rooms

import "sync"

// TimelineNotifier wakes subscribers after the timeline advances. The
// signal is edge-triggered and lossy: a subscriber that missed signals
// while busy still wakes once.
type TimelineNotifier struct {
	mu   sync.Mutex
	subs []chan struct{}
}

// NewTimelineNotifier ...
func NewTimelineNotifier() *TimelineNotifier {
	return &TimelineNotifier{}
}

// Subscribe returns a channel that receives after each timeline update.
func (n *TimelineNotifier) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	n.subs = append(n.subs, ch)
	n.mu.Unlock()
	return ch
}

// Notify wakes all subscribers without blocking.
func (n *TimelineNotifier) Notify() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// MembershipUpdate reports the joined members of a room after a membership
// change was saved.
type MembershipUpdate struct {
	RoomID  string
	Members []string
}

// MembershipNotifier publishes membership updates to subscribers, dropping
// updates a slow subscriber cannot keep up with.
type MembershipNotifier struct {
	mu   sync.Mutex
	subs []chan MembershipUpdate
}

// NewMembershipNotifier ...
func NewMembershipNotifier() *MembershipNotifier {
	return &MembershipNotifier{}
}

// Subscribe returns a channel of membership updates.
func (n *MembershipNotifier) Subscribe() <-chan MembershipUpdate {
	ch := make(chan MembershipUpdate, 16)
	n.mu.Lock()
	n.subs = append(n.subs, ch)
	n.mu.Unlock()
	return ch
}

// Notify publishes an update without blocking.
func (n *MembershipNotifier) Notify(update MembershipUpdate) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- update:
		default:
		}
	}
}
