package session

import (
	"fmt"
	"sort"
)

const (
	// duplicateCheckerWindow is how many recent message ids a checker
	// remembers by default.
	duplicateCheckerWindow = 1000

	// updateRecheckWindow is the much tighter second pass run over
	// server-pushed updates.
	updateRecheckWindow = 100
)

// DuplicateChecker remembers the last N message ids seen from the peer. An
// id at or below every remembered one after the window has advanced is too
// old to judge and must be treated as possibly lost state; an id already in
// the window is a plain replay.
type DuplicateChecker struct {
	window int         // 0 means duplicateCheckerWindow
	ids    []MessageID // ascending
}

func (c *DuplicateChecker) windowSize() int {
	if c.window == 0 {
		return duplicateCheckerWindow
	}
	return c.window
}

// Check records id. It returns nil for fresh ids, ErrDuplicate for replays
// and ErrStaleMessage for ids below the tracked window.
func (c *DuplicateChecker) Check(id MessageID) error {
	i := sort.Search(len(c.ids), func(i int) bool { return c.ids[i] >= id })
	if i < len(c.ids) && c.ids[i] == id {
		return fmt.Errorf("%w: %d", ErrDuplicate, id)
	}
	if len(c.ids) == c.windowSize() && i == 0 && id < c.ids[0] {
		return fmt.Errorf("%w: %d below floor %d", ErrStaleMessage, id, c.ids[0])
	}

	c.ids = append(c.ids, 0)
	copy(c.ids[i+1:], c.ids[i:])
	c.ids[i] = id
	if len(c.ids) > c.windowSize() {
		c.ids = c.ids[1:]
	}
	return nil
}

// Len reports how many ids are currently remembered.
func (c *DuplicateChecker) Len() int { return len(c.ids) }
