package broker

import "fmt"

type Op string

const (
	OpPeek    Op = "peek"
	OpRun     Op = "run"
	OpWrite   Op = "write"
	OpEnd     Op = "end"
	OpClose   Op = "close"
	OpRelease Op = "release"
)

type Event string

const (
	// EventPeek and EventRun answer the requests of the same name, in request order.
	EventPeek Event = "peek"
	EventRun  Event = "run"

	EventData  Event = "data"
	EventEnd   Event = "end"
	EventError Event = "error"
	EventClose Event = "close"
)

// request is a caller to broker message.
type request struct {
	Op     Op
	ID     int      `json:",omitempty"`
	Target string   `json:",omitempty"`
	Args   []string `json:",omitempty"`
	Data   []byte   `json:",omitempty"`
}

// event is a broker to caller message.
// A run reply with a Message is a failed run and carries no id.
type event struct {
	Event   Event
	ID      int    `json:",omitempty"`
	Data    []byte `json:",omitempty"`
	Message string `json:",omitempty"`
}

const (
	// readLimit bounds control messages; data is chunked well below it.
	readLimit = 1 << 20
	chunkSize = 32 << 10
)

// RemoteError is an error reported by the broker for a pipe, such as a worker crash.
type RemoteError struct {
	ID      int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("pipe %d: %s", e.ID, e.Message)
}
