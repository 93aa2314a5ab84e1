package signing

// State is a SigningSession lifecycle state.
type State int

const (
	Idle State = iota
	PromptShown
	Authenticated
	Rejected
	Cancelled
	LockedOut
	Errored
	Resolved
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PromptShown:
		return "prompt_shown"
	case Authenticated:
		return "authenticated"
	case Rejected:
		return "rejected"
	case Cancelled:
		return "cancelled"
	case LockedOut:
		return "locked_out"
	case Errored:
		return "errored"
	case Resolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is one of the verdict states.
func (s State) Terminal() bool {
	switch s {
	case Authenticated, Rejected, Cancelled, LockedOut, Errored:
		return true
	default:
		return false
	}
}

var transitions = map[State][]State{
	// Idle may fail straight to Errored when the session never got to show
	// a prompt, e.g. its context ended while waiting for the prompt slot.
	Idle:          {PromptShown, Errored},
	PromptShown:   {Authenticated, Rejected, Cancelled, LockedOut, Errored},
	Authenticated: {Resolved},
	Rejected:      {Resolved},
	Cancelled:     {Resolved},
	LockedOut:     {Resolved},
	Errored:       {Resolved},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
