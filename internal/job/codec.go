package job

import (
	"encoding/json"
	"fmt"
)

// Encode serializes a job record for persistence.
func Encode(j *Job) ([]byte, error) {
	if j.SchemaVersion == 0 {
		j.SchemaVersion = SchemaVersion
	}
	return json.Marshal(j)
}

// Decode parses a persisted job record, upgrading older schema versions.
func Decode(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	if j.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("job %s has schema version %d, newer than supported %d", j.ID, j.SchemaVersion, SchemaVersion)
	}
	// Version 0 records predate the field; their shape is otherwise identical.
	j.SchemaVersion = SchemaVersion
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 1
	}
	if len(j.History) == 0 {
		j.record(j.Status, j.CreatedAt, "restored")
	}
	return &j, nil
}
