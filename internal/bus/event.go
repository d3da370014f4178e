package bus

import "time"

// Event represents a domain event published on the bus. Kind is a
// dot-separated name whose leading segment is the namespace, e.g.
// "entity.updated", "sync.pushed", "net.status_changed",
// "daemon.status_changed". Payload types are owned by the publishing package.
type Event struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}
