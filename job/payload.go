package job

import (
	"encoding/json"
	"fmt"

	keldris "github.com/MacJediWizard/keldris-sub016"
)

// MarshalPayload serializes v into the opaque JSON envelope stored with
// a job. Values that do not serialize fail with ErrPayloadEncode; a nil
// value yields an empty payload.
func MarshalPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", keldris.ErrPayloadEncode, err)
	}
	return raw, nil
}

// UnmarshalPayload decodes a job's payload into out. Degraded payloads
// decode into the zero value without error so callers can still reach
// the job's bookkeeping.
func UnmarshalPayload(j *Job, out any) error {
	if j.PayloadDegraded || len(j.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(j.Payload, out); err != nil {
		return fmt.Errorf("keldris/job: decode %s payload: %w", j.Type, err)
	}
	return nil
}
