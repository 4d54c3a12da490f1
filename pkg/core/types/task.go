package types

import (
	"strings"
	"time"
)

// State is a task's position in the lifecycle graph described in §4.1.
type State string

const (
	StateReleased  State = "released"
	StateWaiting   State = "waiting"
	StateNoWorker  State = "no-worker"
	StateProcessing State = "processing"
	StateMemory    State = "memory"
	StateErred     State = "erred"
	StateForgotten State = "forgotten"
)

// rank gives the total order released < waiting < processing < memory
// used by the transition engine's tie-break rule. erred and forgotten
// are terminal and never compared for "more advanced".
var rank = map[State]int{
	StateReleased:   0,
	StateNoWorker:   0,
	StateWaiting:    1,
	StateProcessing: 2,
	StateMemory:     3,
}

// MoreAdvanced reports whether b is strictly more advanced than a on the
// released<waiting<processing<memory ordering. erred/forgotten are
// terminal and are always considered more advanced than any non-terminal
// state, and never less advanced than one another.
func MoreAdvanced(a, b State) bool {
	aTerminal := a == StateErred || a == StateForgotten
	bTerminal := b == StateErred || b == StateForgotten
	if bTerminal && !aTerminal {
		return true
	}
	if aTerminal {
		return false
	}
	return rank[b] > rank[a]
}

// Priority is a lexicographic (generation, order) pair; smaller sorts
// first (higher priority), per §3.
type Priority struct {
	Generation int64
	Order      int64
}

// Less reports whether p sorts before o (p is higher priority).
func (p Priority) Less(o Priority) bool {
	if p.Generation != o.Generation {
		return p.Generation < o.Generation
	}
	return p.Order < o.Order
}

// PrefixStats tracks the EWMA mean duration observed for tasks sharing a
// key prefix, per §4.4. alpha is fixed at 0.5 as the spec's EWMA update
// rule (new = 0.5*old + 0.5*observed) requires.
type PrefixStats struct {
	MeanDuration time.Duration
	Count        int64
}

const defaultDuration = 500 * time.Millisecond

// NewPrefixStats returns stats seeded with the small constant default
// mean the spec calls for before any observation exists.
func NewPrefixStats() *PrefixStats {
	return &PrefixStats{MeanDuration: defaultDuration}
}

// Observe folds a newly completed task duration into the running EWMA.
func (p *PrefixStats) Observe(d time.Duration) {
	if p.Count == 0 {
		p.MeanDuration = d
	} else {
		p.MeanDuration = time.Duration(0.5*float64(p.MeanDuration) + 0.5*float64(d))
	}
	p.Count++
}

// Task is the scheduler's in-memory record of one DAG node.
type Task struct {
	Key   string
	State State

	RunSpec  []byte // opaque payload; nil for pure-data tasks
	Priority Priority
	Prefix   string

	Dependencies map[string]struct{}
	Dependents   map[string]struct{}
	WaitingOn    map[string]struct{}
	Waiters      map[string]struct{}
	WhoHas       map[string]struct{} // worker addresses
	WhoWants     map[string]struct{} // client ids

	ProcessingOn string // worker address, "" if not processing
	NBytes       int64  // -1 unknown

	HostRestrictions     map[string]struct{}
	WorkerRestrictions   map[string]struct{}
	LooseRestrictions    bool
	ResourceRestrictions map[string]float64

	Retries        int
	AllowedFails   int
	Suspicious     int

	Exception       []byte
	Traceback       []byte
	ExceptionBlame  string // key of the originating erred task

	Metadata map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// KeyPrefix derives a task's duration-statistics group from its key:
// everything before the first dash, so "inc-4f2a" and "inc-9c01" share
// one EWMA bucket. A key with no dash is its own group.
func KeyPrefix(key string) string {
	if i := strings.IndexByte(key, '-'); i > 0 {
		return key[:i]
	}
	return key
}

// NewTask returns a task in the released state with all sets
// initialized (never nil, so callers never need nil-checks before a
// map write).
func NewTask(key string) *Task {
	return &Task{
		Key:                  key,
		State:                StateReleased,
		Prefix:               KeyPrefix(key),
		NBytes:               -1,
		Dependencies:         make(map[string]struct{}),
		Dependents:           make(map[string]struct{}),
		WaitingOn:            make(map[string]struct{}),
		Waiters:              make(map[string]struct{}),
		WhoHas:               make(map[string]struct{}),
		WhoWants:             make(map[string]struct{}),
		HostRestrictions:     make(map[string]struct{}),
		WorkerRestrictions:   make(map[string]struct{}),
		ResourceRestrictions: make(map[string]float64),
		Metadata:             make(map[string]string),
		CreatedAt:            time.Now(),
		UpdatedAt:            time.Now(),
	}
}

// Runnable reports whether t has no outstanding dependencies.
func (t *Task) Runnable() bool {
	return len(t.WaitingOn) == 0
}

// HasRunSpec reports whether the task carries executable code rather
// than being a pure-data placeholder.
func (t *Task) HasRunSpec() bool {
	return t.RunSpec != nil
}
