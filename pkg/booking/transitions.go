package booking

// Event is a guarded lifecycle request.
type Event string

const (
	EventReserve        Event = "reserve"
	EventCancel         Event = "cancel"
	EventPaymentCleared Event = "payment_cleared"
)

// String returns the event name.
func (event Event) String() string {
	return string(event)
}

type transition struct {
	sources []State
	target  State
}

var transitionTable = map[Event]transition{
	EventReserve:        {sources: []State{StateNew, StateWaitingList}, target: StateReserved},
	EventCancel:         {sources: []State{StateNew, StateReserved, StateWaitingList}, target: StateCancelled},
	EventPaymentCleared: {sources: []State{StatePaid}, target: StatePaymentCleared},
}

// NextState returns the target state of event fired from state.
func NextState(event Event, from State) (State, error) {
	entry, ok := transitionTable[event]
	if !ok {
		return "", TransitionError{Event: event, From: from}
	}
	for _, source := range entry.sources {
		if source == from {
			return entry.target, nil
		}
	}
	return "", TransitionError{Event: event, From: from}
}

// CanFire reports whether event is allowed from state.
func CanFire(event Event, from State) bool {
	_, err := NextState(event, from)
	return err == nil
}
