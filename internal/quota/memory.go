package quota

import (
	"context"
	"sync"
)

type dayState struct {
	date  string
	count int
	seen  map[string]struct{}
}

// Memory is a single-process Tracker.
type Memory struct {
	mu       sync.Mutex
	policies map[string]Policy
	state    map[string]*dayState
	opts     options
}

// NewMemory creates an in-process tracker.
func NewMemory(policies map[string]Policy, opts ...Option) *Memory {
	return &Memory{
		policies: policies,
		state:    make(map[string]*dayState),
		opts:     buildOptions(opts),
	}
}

// current returns today's state for provider, resetting it when the date
// has moved on. Callers hold m.mu.
func (m *Memory) current(provider string) *dayState {
	today := m.opts.today()
	st, ok := m.state[provider]
	if !ok || st.date != today {
		st = &dayState{date: today, seen: make(map[string]struct{})}
		m.state[provider] = st
	}
	return st
}

func (m *Memory) CanCall(ctx context.Context, provider, key string) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.current(provider)
	_, seen := st.seen[key]
	d := decide(policyFor(m.policies, provider), st.count, seen)
	d.Date = st.date
	return d, nil
}

func (m *Memory) RecordCall(ctx context.Context, provider, key string) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.current(provider)
	_, seen := st.seen[key]
	d := decide(policyFor(m.policies, provider), st.count, seen)
	d.Date = st.date
	if !d.Allowed {
		return d, nil
	}
	st.count++
	st.seen[key] = struct{}{}
	d.Used = st.count
	return d, nil
}

func (m *Memory) Release(ctx context.Context, res Reservation, refund bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.current(res.Provider)
	if st.date != res.Date {
		return nil
	}
	// without dedupe the key may belong to an earlier successful call
	if policyFor(m.policies, res.Provider).Dedupe {
		delete(st.seen, res.Key)
	}
	if refund && st.count > 0 {
		st.count--
	}
	return nil
}

func (m *Memory) State(ctx context.Context, provider string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.current(provider)
	return State{
		Provider:  provider,
		Date:      st.date,
		CallCount: st.count,
		Budget:    policyFor(m.policies, provider).Budget,
		SeenKeys:  len(st.seen),
	}, nil
}

func (m *Memory) Close() error { return nil }
