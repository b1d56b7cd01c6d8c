package api

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Command is the payload of a replicated log entry: a single key-value
// write against the region state machine.
type Command struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// EncodeCommand serializes a command for inclusion in a log entry.
func EncodeCommand(cmd Command) ([]byte, error) {
	b, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return b, nil
}

// DecodeCommand deserializes a log entry payload.
func DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	return cmd, nil
}
