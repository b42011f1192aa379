// Package phase derives the election lifecycle phase from ledger flags and the
// local clock. Only ledger flags decide the authoritative phase; the clock can
// at most mark voting as closed for display.
package phase

import (
	"fmt"
	"time"

	"ballotsync/election"
)

// Phase is a lifecycle stage of an election.
type Phase int

const (
	Registration Phase = iota
	VotingOpen
	Closed
)

func (p Phase) String() string {
	switch p {
	case Registration:
		return "registration"
	case VotingOpen:
		return "voting_open"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// MarshalText renders the phase name.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText parses a phase name produced by MarshalText.
func (p *Phase) UnmarshalText(text []byte) error {
	for _, candidate := range []Phase{Registration, VotingOpen, Closed} {
		if candidate.String() == string(text) {
			*p = candidate
			return nil
		}
	}
	return fmt.Errorf("phase: unknown phase %q", text)
}

// Derive maps ledger flags and the current time onto a phase:
//
//	ended             -> Closed
//	!started          -> Registration
//	now >= deadline   -> Closed (advisory)
//	otherwise         -> VotingOpen
func Derive(started, ended bool, deadline, now time.Time) Phase {
	switch {
	case ended:
		return Closed
	case !started:
		return Registration
	case !now.Before(deadline):
		return Closed
	default:
		return VotingOpen
	}
}

// Authoritative maps ledger flags alone onto a phase.
func Authoritative(started, ended bool) Phase {
	switch {
	case ended:
		return Closed
	case !started:
		return Registration
	default:
		return VotingOpen
	}
}

// View pairs the displayed phase with the ledger's authoritative one.
type View struct {
	Displayed     Phase         `json:"displayed"`
	Authoritative Phase         `json:"authoritative"`
	Deadline      time.Time     `json:"deadline"`
	Remaining     time.Duration `json:"remaining"`
}

// Evaluate computes the view for flags at now.
func Evaluate(flags election.Flags, now time.Time) View {
	v := View{
		Displayed:     Derive(flags.Started, flags.Ended, flags.Deadline, now),
		Authoritative: Authoritative(flags.Started, flags.Ended),
		Deadline:      flags.Deadline,
	}
	if v.Displayed == VotingOpen {
		v.Remaining = flags.Deadline.Sub(now)
	}
	return v
}

// WinnerRevealable reports whether the ledger has ended voting.
func (v View) WinnerRevealable() bool { return v.Authoritative == Closed }

// AwaitingLedgerClose reports whether the deadline passed locally but the
// ledger has not recorded the end of voting.
func (v View) AwaitingLedgerClose() bool {
	return v.Displayed == Closed && v.Authoritative != Closed
}

// VotingAllowed reports whether a vote may be attempted.
func (v View) VotingAllowed() bool {
	return v.Displayed == VotingOpen && v.Authoritative == VotingOpen
}

// RegistrationAllowed reports whether a registration may be attempted.
func (v View) RegistrationAllowed() bool { return v.Authoritative == Registration }

// FormatRemaining renders a countdown such as "4m 05s remaining".
func FormatRemaining(d time.Duration) string {
	if d <= 0 {
		return "voting closed"
	}
	d = d.Truncate(time.Second)
	hours := int(d / time.Hour)
	minutes := int(d % time.Hour / time.Minute)
	seconds := int(d % time.Minute / time.Second)
	if hours > 0 {
		return fmt.Sprintf("%dh %02dm %02ds remaining", hours, minutes, seconds)
	}
	return fmt.Sprintf("%dm %02ds remaining", minutes, seconds)
}
