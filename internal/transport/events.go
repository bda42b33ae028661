package transport

// EventType identifies one endpoint lifecycle or data event.
type EventType uint8

const (
	EventConnect EventType = iota
	EventDisconnect
	EventDataSent
	EventDataReceived
	EventError

	eventTypeCount
)

func (e EventType) String() string {
	switch e {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventDataSent:
		return "data_sent"
	case EventDataReceived:
		return "data_received"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Event is one dispatched endpoint event. Bytes carries the payload
// size for data events; Err is set for EventError.
type Event struct {
	Type     EventType
	Endpoint *Endpoint
	Bytes    int
	Err      error
}

// EventCallback observes endpoint events. Callbacks run on the thread
// that produced the event and must not block.
type EventCallback func(ev Event)
