package scheduler

import (
	"encoding/json"
	"os"
	"time"

	"github.com/google/uuid"
)

// identity is the scheduler's persisted run record, the scheduler-side
// analogue of the teacher's worker identity file: an id, a services
// map, and the start time. The id is a fresh uuid on every Start, and
// the scheduler never reads the file back.
// Written on Start, removed on a clean Stop, per §6's "Persisted state"
// note — its absence on boot after a crash is itself meaningful (the
// prior run did not shut down cleanly).
type identity struct {
	ID        string            `json:"id"`
	Services  map[string]string `json:"services,omitempty"`
	StartedAt time.Time         `json:"started_at"`
}

func newIdentity() identity {
	return identity{ID: uuid.NewString(), StartedAt: time.Now()}
}

func writeIdentity(path string, id identity) error {
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func removeIdentity(path string) {
	_ = os.Remove(path)
}
