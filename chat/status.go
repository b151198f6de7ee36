package chat

import (
	"encoding/json"
	"fmt"
)

// Status is the delivery state of a message.
type Status int

const (
	StatusPending Status = iota
	StatusSent
	StatusDelivered
	StatusRead
	StatusFailed
)

var statusNames = [...]string{
	StatusPending:   "pending",
	StatusSent:      "sent",
	StatusDelivered: "delivered",
	StatusRead:      "read",
	StatusFailed:    "failed",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// ParseStatus returns the status named by s.
func ParseStatus(s string) (Status, error) {
	for i, name := range statusNames {
		if name == s {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("parse status %q: %w", s, ErrValidation)
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	parsed, err := ParseStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// CanTransition reports whether a message may move from one status to the
// next. Forward moves advance exactly one step; failed is reachable only from
// pending or sent. Leaving failed is done by Store.Resend, never by a status
// update.
func CanTransition(from, to Status) bool {
	switch to {
	case StatusFailed:
		return from == StatusPending || from == StatusSent
	case StatusSent, StatusDelivered, StatusRead:
		return from != StatusFailed && to == from+1
	default:
		return false
	}
}
