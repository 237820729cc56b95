package server

import "fmt"

// BroadcastPolicy decides which room members are skipped when a frame
// originating from one connection is fanned out.
type BroadcastPolicy string

const (
	// BroadcastConnection skips only the originating connection, so other
	// tabs of the same user still receive the frame.
	BroadcastConnection BroadcastPolicy = "connection"
	// BroadcastUser skips every connection of the originating user.
	BroadcastUser BroadcastPolicy = "user"
)

func ParseBroadcastPolicy(s string) (BroadcastPolicy, error) {
	switch p := BroadcastPolicy(s); p {
	case BroadcastConnection, BroadcastUser:
		return p, nil
	case "":
		return BroadcastConnection, nil
	default:
		return "", fmt.Errorf("unknown broadcast policy %q", s)
	}
}

func (p BroadcastPolicy) skip(member, sender *Client) bool {
	if sender == nil {
		return false
	}
	if member == sender {
		return true
	}
	if p == BroadcastUser {
		uid := sender.session.UserId()
		return uid != "" && member.session.UserId() == uid
	}
	return false
}

// fanout queues frame on every member not skipped by policy. Callers hold
// the lock guarding members.
func fanout(members map[*Client]struct{}, frame []byte, sender *Client, policy BroadcastPolicy) int {
	n := 0
	for member := range members {
		if policy.skip(member, sender) {
			continue
		}
		if member.queueRaw(frame) {
			n++
		}
	}
	return n
}
