package tracker

// Event is the "event" parameter of an announce.
type Event int

// Announce events. EventNone is used for the regular announces between the others.
const (
	EventNone Event = iota
	EventStarted
	EventCompleted
	EventStopped
)

// String returns the value sent in the query string. It is empty for EventNone.
func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventStopped:
		return "stopped"
	default:
		return ""
	}
}
