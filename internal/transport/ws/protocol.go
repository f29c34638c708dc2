package ws

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Frame protocols understood by the transport.
const (
	ProtocolJSON    = "json"    // one JSON message per websocket frame
	ProtocolSignalR = "signalr" // SignalR JSON hub protocol
)

const recordSeparator = 0x1e

// signalR message types.
const (
	srInvocation = 1
	srPing       = 6
	srClose      = 7
)

var (
	srHandshake = append([]byte(`{"protocol":"json","version":1}`), recordSeparator)
	srPingFrame = append([]byte(`{"type":6}`), recordSeparator)
)

type srMessage struct {
	Type      int               `json:"type"`
	Target    string            `json:"target,omitempty"`
	Arguments []json.RawMessage `json:"arguments,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// splitRecords splits a SignalR frame into its records.
func splitRecords(frame []byte) [][]byte {
	var out [][]byte
	for _, rec := range bytes.Split(frame, []byte{recordSeparator}) {
		if len(bytes.TrimSpace(rec)) > 0 {
			out = append(out, rec)
		}
	}
	return out
}

// decodeSignalR extracts the payloads of invocations of target from one
// frame. closed reports a server close record.
func decodeSignalR(frame []byte, target string) (payloads [][]byte, closed bool, closeErr string) {
	for _, rec := range splitRecords(frame) {
		var m srMessage
		if err := json.Unmarshal(rec, &m); err != nil {
			// handshake response "{}" and anything unknown land here or below
			continue
		}
		switch m.Type {
		case srInvocation:
			if target != "" && !strings.EqualFold(m.Target, target) {
				continue
			}
			if len(m.Arguments) > 0 {
				payloads = append(payloads, m.Arguments[0])
			}
		case srClose:
			return payloads, true, m.Error
		case srPing:
		}
	}
	return payloads, false, ""
}
