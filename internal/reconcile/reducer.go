// Package reconcile merges optimistic client predictions with authoritative
// values from mutation responses and bus events.
//
// Apply is a pure reducer. Registry and LikeSession hold reducer state per
// entity and are safe for concurrent use.
package reconcile

// Kind enumerates reducer actions.
type Kind uint8

const (
	// OptimisticApply shows a predicted value before the server answers.
	OptimisticApply Kind = iota + 1
	// ServerConfirm carries the authoritative result of a mutation.
	ServerConfirm
	// ServerReject reports that a mutation failed.
	ServerReject
	// Event carries an authoritative value published on the bus.
	Event
)

func (k Kind) String() string {
	switch k {
	case OptimisticApply:
		return "optimistic_apply"
	case ServerConfirm:
		return "server_confirm"
	case ServerReject:
		return "server_reject"
	case Event:
		return "event"
	default:
		return "unknown"
	}
}

// Action is one input to the reducer. Version is only read for ServerConfirm
// and Event.
type Action[T any] struct {
	Kind    Kind
	Value   T
	Version int64
}

// Predict builds an OptimisticApply action.
func Predict[T any](v T) Action[T] { return Action[T]{Kind: OptimisticApply, Value: v} }

// Confirm builds a ServerConfirm action.
func Confirm[T any](v T, version int64) Action[T] {
	return Action[T]{Kind: ServerConfirm, Value: v, Version: version}
}

// Reject builds a ServerReject action.
func Reject[T any]() Action[T] { return Action[T]{Kind: ServerReject} }

// Observe builds an Event action.
func Observe[T any](v T, version int64) Action[T] {
	return Action[T]{Kind: Event, Value: v, Version: version}
}

// State is the reducer state of one entity.
//
// Value is what the user sees. Confirmed is the authoritative value with the
// highest Version observed so far. Pending counts predictions that still
// await a confirm or reject; while it is positive Value holds the latest
// prediction.
type State[T any] struct {
	Value     T
	Confirmed T
	Version   int64
	Pending   int
}

// Settled reports whether no prediction is outstanding.
func (s State[T]) Settled() bool { return s.Pending == 0 }

// Apply returns the state that results from a. It never mutates s.
//
// Authoritative values older than Version are discarded; equal versions are
// accepted so that duplicate deliveries are harmless. A confirm or reject
// resolves one prediction, and once none remain the visible value falls back
// to Confirmed.
func Apply[T any](s State[T], a Action[T]) State[T] {
	switch a.Kind {
	case OptimisticApply:
		s.Pending++
		s.Value = a.Value
	case ServerConfirm:
		s = s.observe(a.Value, a.Version)
		s = s.resolve()
	case ServerReject:
		s = s.resolve()
	case Event:
		s = s.observe(a.Value, a.Version)
		if s.Pending == 0 {
			s.Value = s.Confirmed
		}
	}
	return s
}

// Fold applies actions in order starting from s.
func Fold[T any](s State[T], actions ...Action[T]) State[T] {
	for _, a := range actions {
		s = Apply(s, a)
	}
	return s
}

func (s State[T]) observe(v T, version int64) State[T] {
	if version < s.Version {
		return s
	}
	s.Confirmed = v
	s.Version = version
	return s
}

func (s State[T]) resolve() State[T] {
	if s.Pending > 0 {
		s.Pending--
	}
	if s.Pending == 0 {
		s.Value = s.Confirmed
	}
	return s
}
