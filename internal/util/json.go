package util

import (
	"encoding/json"
	"fmt"
)

// EncodeOutbound serializes a payload bound for an external service (the
// Telegram Bot API, the AMQP exchange). kind names the payload in the error.
func EncodeOutbound(kind string, v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	return data, nil
}

// DecodeInbound parses a payload received from an external service. Empty
// input is an error rather than a zero value.
func DecodeInbound(kind string, data []byte, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("decode %s: empty body", kind)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", kind, err)
	}
	return nil
}
