// Package quota enforces per-provider daily call budgets. State is keyed by
// provider and UTC date; a new date starts from zero the first time it is
// observed, so no background reset is needed.
package quota

import (
	"context"
	"time"
)

// Reason explains a Decision.
type Reason string

const (
	ReasonOK                  Reason = "OK"
	ReasonAlreadyFetchedToday Reason = "ALREADY_FETCHED_TODAY"
	ReasonBudgetExhausted     Reason = "BUDGET_EXHAUSTED"
)

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed bool
	Reason  Reason
	Used    int // calls counted today after this operation
	Budget  int // <= 0 means unlimited
	Date    string
}

// Reservation identifies one call counted by RecordCall so it can be
// released when the upstream did not honour it.
type Reservation struct {
	Provider string
	Key      string
	Date     string
}

// ReservationFor returns the reservation an allowed RecordCall made.
func ReservationFor(provider, key string, d Decision) Reservation {
	return Reservation{Provider: provider, Key: key, Date: d.Date}
}

// Policy is one provider's daily allowance.
type Policy struct {
	Budget int  // daily call budget; <= 0 means unlimited
	Dedupe bool // refuse a second call for the same resource on the same day
}

// State is a read-only view of one provider's usage for a day.
type State struct {
	Provider  string `json:"provider"`
	Date      string `json:"date"`
	CallCount int    `json:"call_count"`
	Budget    int    `json:"budget"`
	SeenKeys  int    `json:"seen_keys"`
}

// Remaining returns calls left today, or -1 when unlimited.
func (s State) Remaining() int {
	if s.Budget <= 0 {
		return -1
	}
	if s.CallCount >= s.Budget {
		return 0
	}
	return s.Budget - s.CallCount
}

// Tracker gates provider calls against daily budgets. Implementations are
// safe for concurrent use across goroutines and, for shared backends,
// across processes.
type Tracker interface {
	// CanCall reports whether a call for key would be admitted. It does not
	// mutate state.
	CanCall(ctx context.Context, provider, key string) (Decision, error)

	// RecordCall atomically re-checks and counts one call for key. A denied
	// decision means nothing was counted; the count never passes the budget.
	// Callers reserve with RecordCall before dispatch.
	RecordCall(ctx context.Context, provider, key string) (Decision, error)

	// Release undoes a reservation after a failed call. The key stops
	// counting as seen; with refund the call is also returned to the budget.
	// Reservations from an earlier day are ignored.
	Release(ctx context.Context, res Reservation, refund bool) error

	// State returns today's usage for provider.
	State(ctx context.Context, provider string) (State, error)

	Close() error
}

// dateLayout keys state by UTC calendar day.
const dateLayout = "2006-01-02"

type options struct {
	now func() time.Time
}

// Option configures a Tracker.
type Option func(*options)

// WithClock overrides the time source used to pick the current day.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) today() string {
	return o.now().UTC().Format(dateLayout)
}

// policyFor returns the provider's policy; unknown providers are unlimited.
func policyFor(policies map[string]Policy, provider string) Policy {
	return policies[provider]
}

// decide applies a policy to current usage.
func decide(p Policy, used int, seen bool) Decision {
	switch {
	case p.Dedupe && seen:
		return Decision{Reason: ReasonAlreadyFetchedToday, Used: used, Budget: p.Budget}
	case p.Budget > 0 && used >= p.Budget:
		return Decision{Reason: ReasonBudgetExhausted, Used: used, Budget: p.Budget}
	default:
		return Decision{Allowed: true, Reason: ReasonOK, Used: used, Budget: p.Budget}
	}
}
