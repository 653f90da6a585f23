package realtime

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Event names, shared with the browser client.
const (
	EventStartLogStream = "startLogStream"
	EventStopLogStream  = "stopLogStream"
	EventConnected      = "connected"
	EventLogData        = "logData"
	EventError          = "error"
	EventStreamClosed   = "streamClosed"
	EventStreamStopped  = "streamStopped"
)

// Frame is one WebSocket text message in either direction.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ID accepts a log path ID sent as a JSON number or a numeric string.
type ID uint

func (id *ID) UnmarshalJSON(b []byte) error {
	s := string(b)
	if strings.HasPrefix(s, `"`) {
		unquoted, err := strconv.Unquote(s)
		if err != nil {
			return fmt.Errorf("invalid id %s", b)
		}
		s = unquoted
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return fmt.Errorf("invalid id %s", b)
	}
	*id = ID(n)
	return nil
}

type streamRequest struct {
	LogPathID ID `json:"logPathId"`
}

type messagePayload struct {
	Message   string `json:"message"`
	LogPathID uint   `json:"logPathId,omitempty"`
}

type dataPayload struct {
	Data      string `json:"data"`
	LogPathID uint   `json:"logPathId"`
}

type connectedPayload struct {
	Message   string `json:"message"`
	LogPathID uint   `json:"logPathId"`
	Server    any    `json:"server"`
	LogPath   any    `json:"logPath"`
}

func encodeFrame(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}
