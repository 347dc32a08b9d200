package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Encode serializes msg into the engine's canonical wire form:
//
//	Content-Length: <n>\r\n\r\n<compact JSON>
//
// where n is the exact byte length of the serialized body. The engine accepts
// two inbound framings but always writes this one; only the remote side's
// quirks are unknown, never our own output.
func Encode(msg *Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal message: %w", err)
	}

	out := make([]byte, 0, len(body)+32)
	out = append(out, "Content-Length: "...)
	out = strconv.AppendInt(out, int64(len(body)), 10)
	out = append(out, "\r\n\r\n"...)
	out = append(out, body...)
	return out, nil
}
