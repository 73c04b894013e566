package vsockrpc

import (
	"encoding/json"
	"strings"
	"time"
)

// msgClosed is a local-only pseudo-type used to wake a pending Exec call
// when Close() drains it; it never appears on the wire.
const msgClosed = "closed"

func marshalExec(command string, timeout time.Duration) (json.RawMessage, error) {
	return json.Marshal(ExecPayload{
		Command:   command,
		TimeoutMs: timeout.Milliseconds(),
	})
}

func unmarshalExecResult(payload json.RawMessage) (*ExecResult, error) {
	var result ExecResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func errorMessage(payload json.RawMessage) string {
	var e ErrorPayload
	if err := json.Unmarshal(payload, &e); err != nil || e.Message == "" {
		return string(payload)
	}
	return e.Message
}

func stripNewlines(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\n", ""), "\r", "")
}

// shellQuote produces a single-quoted shell literal safe to splice into a
// `sh -c` script, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
