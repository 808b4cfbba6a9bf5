package queue

import (
	"encoding/json"

	"golang.org/x/xerrors"
)

// Payload kinds. The encoding is a stable tagged variant so jobs persisted by
// an older build remain runnable after an upgrade; unknown kinds fail the task
// visibly instead of being guessed at.
const (
	KindExecuteBlock = "execute_block"
)

// Payload is the job description stored with a recovery task.
type Payload struct {
	Kind   string `json:"kind"`
	Height uint64 `json:"height"`
}

func NewExecuteBlockPayload(height uint64) ([]byte, error) {
	return json.Marshal(Payload{Kind: KindExecuteBlock, Height: height})
}

func ParsePayload(raw []byte) (*Payload, error) {
	if len(raw) == 0 {
		return nil, xerrors.New("empty task payload")
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, xerrors.Errorf("decode task payload: %w", err)
	}
	switch p.Kind {
	case KindExecuteBlock:
		return &p, nil
	default:
		return nil, xerrors.Errorf("unknown task payload kind %q", p.Kind)
	}
}
