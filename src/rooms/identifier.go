package rooms

import (
	"fmt"
	"strings"
)

// UserID identifies a user as "@<local>:<peer>", where peer is the hex
// encoded public key of the peer that owns the user.
type UserID struct {
	Local  string
	PeerID string
}

// NewUserID builds a UserID from its parts.
func NewUserID(local, peerID string) UserID {
	return UserID{Local: local, PeerID: peerID}
}

// ParseUserID parses "@local:peer". Both parts must be non-empty.
func ParseUserID(s string) (UserID, bool) {
	if !strings.HasPrefix(s, "@") {
		return UserID{}, false
	}
	rest := s[1:]
	sep := strings.Index(rest, ":")
	if sep <= 0 || sep == len(rest)-1 {
		return UserID{}, false
	}
	return UserID{Local: rest[:sep], PeerID: rest[sep+1:]}, true
}

func (u UserID) String() string {
	return fmt.Sprintf("@%s:%s", u.Local, u.PeerID)
}
