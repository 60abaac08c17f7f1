package session

// State is the orchestrator lifecycle position.
type State int32

const (
	StateUninitialized State = iota
	StateRestoring
	StateUnauthenticated
	StateAuthenticating
	StateAuthenticated
	StateClosed
)

var stateNames = [...]string{
	StateUninitialized:   "uninitialized",
	StateRestoring:       "restoring",
	StateUnauthenticated: "unauthenticated",
	StateAuthenticating:  "authenticating",
	StateAuthenticated:   "authenticated",
	StateClosed:          "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// TransitionHook observes state changes. It runs while the orchestrator lock
// is held and must not call back into the orchestrator, except State.
type TransitionHook func(from, to State)
