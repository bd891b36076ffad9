package orchestrator

import "fmt"

// State is a step of the per-request pipeline.
type State int

const (
	Received State = iota
	Sanitized
	CacheChecked
	Classified
	Dispatched
	Answered
	Cached
	Done
	Failed
)

var stateNames = [...]string{
	Received:     "RECEIVED",
	Sanitized:    "SANITIZED",
	CacheChecked: "CACHE_CHECKED",
	Classified:   "CLASSIFIED",
	Dispatched:   "DISPATCHED",
	Answered:     "ANSWERED",
	Cached:       "CACHED",
	Done:         "DONE",
	Failed:       "FAILED",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return s == Done || s == Failed }

// transitions lists the legal successors of each state. Failed is reachable
// from every non-terminal state and is added by CanTransition.
var transitions = map[State][]State{
	Received:     {Sanitized},
	Sanitized:    {CacheChecked},
	CacheChecked: {Classified, Done},
	Classified:   {Dispatched},
	Dispatched:   {Answered},
	Answered:     {Cached},
	Cached:       {Done},
}

// CanTransition reports whether the pipeline may move from one state to another.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == Failed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
