package analysis

import (
	"fmt"
	"strings"

	"github.com/yanun0323/errors"
)

var (
	ErrInvalidTransition = errors.New("analysis: invalid status transition")
	ErrUnknownStatus     = errors.New("analysis: unknown status")
)

// Status is the lifecycle of one pair analysis.
type Status uint8

const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusError
)

// transitions lists the legal moves out of each status. Error is reachable from
// every status and is not listed.
var transitions = map[Status][]Status{
	StatusStopped:  {StatusStarting},
	StatusStarting: {StatusRunning},
	StatusRunning:  {StatusStopping},
	StatusStopping: {StatusStopped},
	StatusError:    {StatusStopping},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	if to == StatusError {
		return from.Valid()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) Valid() bool {
	return s <= StatusError
}

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "Stopped"
	case StatusStarting:
		return "Starting"
	case StatusRunning:
		return "Running"
	case StatusStopping:
		return "Stopping"
	case StatusError:
		return "Error"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

func ParseStatus(s string) (Status, error) {
	for st := StatusStopped; st <= StatusError; st++ {
		if strings.EqualFold(st.String(), s) {
			return st, nil
		}
	}
	return 0, errors.Wrap(ErrUnknownStatus, "parse status").With("value", s)
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, ErrUnknownStatus
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
