package session

import (
	"github.com/weftworks/weft/internal/store"
	"github.com/weftworks/weft/internal/werr"
)

// transitions is the session state machine. A status maps to the set of
// statuses it may move to; anything else is rejected. Completed is
// reachable again only through reopen, cancelled absorbs everything.
var transitions = map[store.Status][]store.Status{
	store.StatusPlanning:  {store.StatusDebating, store.StatusReviewing, store.StatusFailed, store.StatusCancelled},
	store.StatusDebating:  {store.StatusReviewing, store.StatusFailed, store.StatusCancelled},
	store.StatusReviewing: {store.StatusApproved, store.StatusRevising, store.StatusCancelled},
	store.StatusRevising:  {store.StatusReviewing, store.StatusFailed, store.StatusCancelled},
	store.StatusApproved:  {store.StatusExecuting, store.StatusRevising, store.StatusCancelled},
	store.StatusExecuting: {store.StatusCompleted, store.StatusFailed, store.StatusStopped, store.StatusPaused, store.StatusRevising, store.StatusCancelled},
	store.StatusPaused:    {store.StatusExecuting, store.StatusStopped, store.StatusCancelled},
	store.StatusStopped:   {store.StatusExecuting, store.StatusRevising, store.StatusCancelled},
	store.StatusFailed:    {store.StatusExecuting, store.StatusRevising, store.StatusCancelled},
	store.StatusCompleted: {store.StatusReviewing},
}

func canTransition(from, to store.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(id string, from, to store.Status) error {
	if !canTransition(from, to) {
		return werr.New(werr.CodeBadTransition,
			"session %s: cannot move %s -> %s", id, from, to)
	}
	return nil
}
