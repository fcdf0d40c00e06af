package reconcile

import "github.com/rzbill/docsync/internal/queuestore"

// Binding ties a queue to its sync tag and replay endpoint.
type Binding struct {
	Queue    queuestore.Name `json:"queue" yaml:"queue"`
	Tag      string          `json:"tag" yaml:"tag"`
	Endpoint string          `json:"endpoint" yaml:"endpoint"`
}

const (
	TagPatients     = "sync-patients"
	TagAppointments = "sync-appointments"
)

// DefaultBindings is the records UI wiring.
func DefaultBindings() []Binding {
	return []Binding{
		{Queue: queuestore.PendingPatients, Tag: TagPatients, Endpoint: "/api/patients/"},
		{Queue: queuestore.PendingAppointments, Tag: TagAppointments, Endpoint: "/api/appointments/"},
	}
}

// TagsByQueue indexes bindings by queue.
func TagsByQueue(bs []Binding) map[queuestore.Name]string {
	out := make(map[queuestore.Name]string, len(bs))
	for _, b := range bs {
		out[b.Queue] = b.Tag
	}
	return out
}
