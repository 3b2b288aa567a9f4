package syncengine

import (
	"encoding/json"
	"fmt"
	"time"
)

// MoveAction distinguishes a move from a copy in a MovePayload.
type MoveAction string

const (
	ActionMove MoveAction = "move"
	ActionCopy MoveAction = "copy"
)

// MovePayload is the JSON payload stored in ops_queue.payload for Move
// operations, per spec.md §4.5.1 ("enqueue_move encodes a Move payload").
type MovePayload struct {
	From      string     `json:"from"`
	To        string     `json:"to"`
	Action    MoveAction `json:"action"`
	Overwrite bool       `json:"overwrite"`
}

func encodeMovePayload(p MovePayload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("syncengine: encoding move payload: %w", err)
	}

	return string(data), nil
}

func decodeMovePayload(payload string) (MovePayload, error) {
	var p MovePayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return MovePayload{}, fmt.Errorf("syncengine: decoding move payload: %w", err)
	}

	return p, nil
}

// parseRemoteModified converts the remote API's RFC3339 modified timestamp
// into Unix seconds. An empty or unparseable value yields 0 rather than an
// error, since directories and some resource kinds omit it.
func parseRemoteModified(s string) int64 {
	if s == "" {
		return 0
	}

	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0
	}

	return t.Unix()
}
