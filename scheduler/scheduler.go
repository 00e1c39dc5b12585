// Package scheduler provides an ordering engine for tasks that share
// ordering domains ("chains"). A task may start only when its immediate
// predecessor in every chain it belongs to has finished or been retired, and
// no chain exceeds its concurrency bound. Failing or retrying a task bumps
// the generation of its chains, which re-pends every not-yet-started
// descendant so nothing runs out of order relative to the retried task.
package scheduler

import (
	"container/list"
	"sync"

	"github.com/sirupsen/logrus"
)

// TaskID identifies a scheduled task.
type TaskID uint64

// ChainID identifies an ordering domain. Zero is not a valid chain.
type ChainID uint64

// maxActiveChainTasks bounds how many tasks of one chain run concurrently.
const maxActiveChainTasks = 10

// TaskWithParents is a task released by StartNextTask together with the
// tasks immediately preceding it in each of its chains.
type TaskWithParents struct {
	ID      TaskID
	Parents []TaskID
}

type taskState int

const (
	statePending taskState = iota
	stateActive
	statePaused
)

type chainNode struct {
	taskID     TaskID
	generation uint64
}

type chainInfo struct {
	order       *list.List // of *chainNode, creation order
	activeTasks uint32
	generation  uint64
}

type taskChainInfo struct {
	chainID ChainID
	chain   *chainInfo
	elem    *list.Element
}

type task[E any] struct {
	state  taskState
	chains []taskChainInfo
	extra  E
}

// ChainScheduler decides when tasks may start. It is the one shared arbiter
// between connections, so every method locks its tables.
type ChainScheduler[E any] struct {
	mu       sync.Mutex
	chains   map[ChainID]*chainInfo
	limited  map[ChainID]TaskID
	tasks    map[TaskID]*task[E]
	nextID   TaskID
	pending  []TaskID
	toStart  []TaskID
}

// New creates an empty scheduler.
func New[E any]() *ChainScheduler[E] {
	return &ChainScheduler[E]{
		chains:  make(map[ChainID]*chainInfo),
		limited: make(map[ChainID]TaskID),
		tasks:   make(map[TaskID]*task[E]),
	}
}

// CreateTask registers a task on the given chains and returns its id. The
// task becomes runnable immediately when every chain allows it.
func (s *ChainScheduler[E]) CreateTask(chains []ChainID, extra E) TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	t := &task[E]{extra: extra}
	for _, chainID := range chains {
		if chainID == 0 {
			continue
		}
		info := s.chainInfo(chainID)
		elem := info.order.PushBack(&chainNode{taskID: id})
		t.chains = append(t.chains, taskChainInfo{chainID: chainID, chain: info, elem: elem})
	}
	s.tasks[id] = t

	logrus.WithFields(logrus.Fields{
		"task_id": id,
		"chains":  chains,
	}).Debug("scheduler task created")

	s.tryStartTask(id)
	return id
}

// TaskExtra returns the caller payload attached to a task, or nil when the
// task no longer exists.
func (s *ChainScheduler[E]) TaskExtra(id TaskID) *E {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil
	}
	return &t.extra
}

// StartNextTask pops the next runnable task. ok is false when nothing is
// currently runnable.
func (s *ChainScheduler[E]) StartNextTask() (res TaskWithParents, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return TaskWithParents{}, false
	}
	id := s.pending[0]
	s.pending = s.pending[1:]

	res.ID = id
	t := s.tasks[id]
	for _, tc := range t.chains {
		if prev := tc.elem.Prev(); prev != nil {
			res.Parents = append(res.Parents, prev.Value.(*chainNode).taskID)
		}
	}
	return res, true
}

// FinishTask marks a task complete, removes it from its chains, and starts
// whatever its completion unblocks.
func (s *ChainScheduler[E]) FinishTask(id TaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return
	}
	s.inactivateTask(id, t, false)
	s.forEachChild(t, func(child TaskID) { s.toStart = append(s.toStart, child) })
	for i := range t.chains {
		s.finishChainTask(&t.chains[i])
	}
	delete(s.tasks, id)
	s.flushToStart()
}

// ResetTask rolls a started task back to pending, bumping the generation of
// every chain it touches so descendants re-pend instead of running.
func (s *ChainScheduler[E]) ResetTask(id TaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return
	}
	s.inactivateTask(id, t, true)
	s.toStart = append(s.toStart, id)
	s.flushToStart()
}

// PauseTask takes a task out of circulation until ResetTask re-pends it.
// Like ResetTask it invalidates descendants.
func (s *ChainScheduler[E]) PauseTask(id TaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return
	}
	s.inactivateTask(id, t, true)
	t.state = statePaused
	s.flushToStart()
}

// ForEach visits every registered task's payload.
func (s *ChainScheduler[E]) ForEach(f func(*E)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		f(&t.extra)
	}
}

// ForEachDependent visits the task and every task after it in any of its
// chains, each at most once.
func (s *ChainScheduler[E]) ForEachDependent(id TaskID, f func(TaskID)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return
	}
	visited := make(map[TaskID]struct{})
	dedup := len(t.chains) > 1
	for _, tc := range t.chains {
		for elem := tc.elem; elem != nil; elem = elem.Next() {
			child := elem.Value.(*chainNode).taskID
			if dedup {
				if _, seen := visited[child]; seen {
					continue
				}
				visited[child] = struct{}{}
			}
			f(child)
		}
	}
}

func (s *ChainScheduler[E]) chainInfo(id ChainID) *chainInfo {
	info, ok := s.chains[id]
	if !ok {
		info = &chainInfo{order: list.New(), generation: 1}
		s.chains[id] = info
	}
	return info
}

// tryStartTask moves a pending task into the runnable queue when every
// chain's predecessor has caught up with the chain generation and no chain
// is at its concurrency bound.
func (s *ChainScheduler[E]) tryStartTask(id TaskID) {
	t := s.tasks[id]
	if t == nil || t.state != statePending {
		return
	}
	for _, tc := range t.chains {
		if prev := tc.elem.Prev(); prev != nil {
			if prev.Value.(*chainNode).generation != tc.chain.generation {
				return
			}
		}
		if tc.chain.activeTasks >= maxActiveChainTasks {
			s.limited[tc.chainID] = id
			return
		}
	}
	s.doStartTask(id, t)
}

func (s *ChainScheduler[E]) doStartTask(id TaskID, t *task[E]) {
	for _, tc := range t.chains {
		tc.chain.activeTasks++
		tc.elem.Value.(*chainNode).generation = tc.chain.generation
	}
	t.state = stateActive
	s.pending = append(s.pending, id)

	s.forEachChild(t, func(child TaskID) { s.tryStartTask(child) })
}

func (s *ChainScheduler[E]) forEachChild(t *task[E], f func(TaskID)) {
	for _, tc := range t.chains {
		if next := tc.elem.Next(); next != nil {
			f(next.Value.(*chainNode).taskID)
		}
	}
}

// inactivateTask returns a task to pending. When the task was active and
// failed, each of its chains advances past the task's generation, cutting
// off descendants started against the old one.
func (s *ChainScheduler[E]) inactivateTask(id TaskID, t *task[E], failed bool) {
	wasActive := t.state == stateActive
	t.state = statePending
	for _, tc := range t.chains {
		node := tc.elem.Value.(*chainNode)
		if wasActive {
			tc.chain.activeTasks--
			if failed && tc.chain.generation < node.generation+1 {
				tc.chain.generation = node.generation + 1
			}
		}

		if limitedID, ok := s.limited[tc.chainID]; ok {
			delete(s.limited, tc.chainID)
			if limitedID != id {
				s.toStart = append(s.toStart, limitedID)
			}
		}

		if front := tc.chain.order.Front(); front != nil {
			if firstID := front.Value.(*chainNode).taskID; firstID != id {
				s.toStart = append(s.toStart, firstID)
			}
		}
	}

	// The runnable queue may still name this task; drop it so a rolled-back
	// task is never handed out stale.
	if wasActive {
		for i, pendingID := range s.pending {
			if pendingID == id {
				s.pending = append(s.pending[:i], s.pending[i+1:]...)
				break
			}
		}
	}
}

func (s *ChainScheduler[E]) finishChainTask(tc *taskChainInfo) {
	tc.chain.order.Remove(tc.elem)
	if tc.chain.order.Len() == 0 {
		delete(s.chains, tc.chainID)
	}
}

func (s *ChainScheduler[E]) flushToStart() {
	for len(s.toStart) > 0 {
		batch := s.toStart
		s.toStart = nil
		for _, id := range batch {
			s.tryStartTask(id)
		}
	}
}
