package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startAll[E any](s *ChainScheduler[E]) []TaskID {
	var started []TaskID
	for {
		next, ok := s.StartNextTask()
		if !ok {
			return started
		}
		started = append(started, next.ID)
	}
}

func TestChainOrdering(t *testing.T) {
	s := New[string]()

	first := s.CreateTask([]ChainID{1}, "first")
	second := s.CreateTask([]ChainID{1}, "second")

	started := startAll(s)
	require.Equal(t, []TaskID{first, second}, started)

	// The second task reports the first as its chain parent.
	s2 := New[string]()
	a := s2.CreateTask([]ChainID{1}, "a")
	s2.CreateTask([]ChainID{1}, "b")
	next, ok := s2.StartNextTask()
	require.True(t, ok)
	assert.Empty(t, next.Parents)
	next, ok = s2.StartNextTask()
	require.True(t, ok)
	assert.Equal(t, []TaskID{a}, next.Parents)
}

func TestIndependentChainsRunConcurrently(t *testing.T) {
	s := New[int]()
	s.CreateTask([]ChainID{1}, 1)
	s.CreateTask([]ChainID{2}, 2)
	s.CreateTask([]ChainID{3}, 3)

	assert.Len(t, startAll(s), 3)
}

func TestChainConcurrencyLimit(t *testing.T) {
	s := New[int]()
	for i := 0; i < maxActiveChainTasks+3; i++ {
		s.CreateTask([]ChainID{7}, i)
	}

	started := startAll(s)
	assert.Len(t, started, maxActiveChainTasks)

	// Finishing one admits exactly one more.
	s.FinishTask(started[0])
	assert.Len(t, startAll(s), 1)
}

func TestGenerationBlocksDescendantsOfRetriedTask(t *testing.T) {
	s := New[string]()
	first := s.CreateTask([]ChainID{1}, "first")

	started := startAll(s)
	require.Equal(t, []TaskID{first}, started)

	// The send attempt failed; the task is shelved for retry and the chain
	// generation advances past it.
	s.PauseTask(first)

	// A descendant created now sees a parent from a stale generation and
	// must stay pending.
	second := s.CreateTask([]ChainID{1}, "second")
	_, ok := s.StartNextTask()
	assert.False(t, ok, "descendant ran ahead of a retried parent")

	// Re-pending the parent releases both, in order.
	s.ResetTask(first)
	started = startAll(s)
	assert.Equal(t, []TaskID{first, second}, started)

	s.FinishTask(first)
	s.FinishTask(second)
	assert.Nil(t, s.TaskExtra(first))
}

func TestPauseHoldsTaskUntilReset(t *testing.T) {
	s := New[string]()
	id := s.CreateTask([]ChainID{1}, "paused")
	startAll(s)

	s.PauseTask(id)
	_, ok := s.StartNextTask()
	assert.False(t, ok)

	s.ResetTask(id)
	started := startAll(s)
	assert.Equal(t, []TaskID{id}, started)
}

func TestForEachDependent(t *testing.T) {
	s := New[string]()
	a := s.CreateTask([]ChainID{1, 2}, "a")
	b := s.CreateTask([]ChainID{1}, "b")
	c := s.CreateTask([]ChainID{2}, "c")
	d := s.CreateTask([]ChainID{1, 2}, "d")

	var seen []TaskID
	s.ForEachDependent(a, func(id TaskID) { seen = append(seen, id) })
	assert.ElementsMatch(t, []TaskID{a, b, c, d}, seen)

	// Tasks in both chains are visited once.
	counts := map[TaskID]int{}
	s.ForEachDependent(a, func(id TaskID) { counts[id]++ })
	for id, n := range counts {
		assert.Equal(t, 1, n, "task %d visited %d times", id, n)
	}
}

func TestTaskExtra(t *testing.T) {
	s := New[string]()
	id := s.CreateTask([]ChainID{1}, "payload")
	extra := s.TaskExtra(id)
	require.NotNil(t, extra)
	assert.Equal(t, "payload", *extra)

	assert.Nil(t, s.TaskExtra(id+100))

	startAll(s)
	s.FinishTask(id)
	assert.Nil(t, s.TaskExtra(id))
}

func TestForEach(t *testing.T) {
	s := New[int]()
	s.CreateTask([]ChainID{1}, 10)
	s.CreateTask([]ChainID{2}, 20)

	sum := 0
	s.ForEach(func(v *int) { sum += *v })
	assert.Equal(t, 30, sum)
}
