package queue

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/forPelevin/hlclip/internal/usecase"
)

var ErrBadPayload = errors.New("bad payload")

// Payload is what crosses the broker: the job id plus the exact run
// parameters, so the worker rebuilds the same call the inline path makes.
type Payload struct {
	JobID  string         `json:"job_id"`
	Params usecase.Params `json:"params"`
}

func Encode(p Payload) ([]byte, error) {
	if p.JobID == "" {
		return nil, fmt.Errorf("%w: empty job id", ErrBadPayload)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

func Decode(b []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %w", ErrBadPayload, err)
	}
	if p.JobID == "" {
		return Payload{}, fmt.Errorf("%w: empty job id", ErrBadPayload)
	}
	return p, nil
}
