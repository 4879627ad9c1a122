package control

import (
	"bytes"
	"encoding/json"
	"errors"

	"camrelay/internal/relay"
)

// Outbound messages.
var (
	readyMessage     = map[string]string{"message": "Server is ON"}
	heartbeatMessage = map[string]string{"heartbeat": "Server is still ON"}
)

var errMalformed = errors.New("malformed control message")

// Command is one parsed inbound control message.
type Command struct {
	CameraID relay.CameraID
	Source   string
	Capture  bool
}

// Action names the registry operation the command maps to.
func (c Command) Action() string {
	if c.Capture {
		return "activate"
	}
	return "deactivate"
}

type inbound struct {
	CameraID json.RawMessage `json:"cam_id"`
	Source   json.RawMessage `json:"cam_url"`
	Capture  json.RawMessage `json:"cam_cap_status"`
}

// parseCommand decodes {"cam_id", "cam_url", "cam_cap_status"}. cam_id may be
// a string or a number; a number keeps its literal text. A missing or null
// cam_cap_status means stop. Activation requires a non-empty cam_url.
func parseCommand(data []byte) (Command, error) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Command{}, errMalformed
	}

	id, ok := parseCameraID(in.CameraID)
	if !ok {
		return Command{}, errMalformed
	}
	cmd := Command{CameraID: id}

	if !isNull(in.Capture) {
		if err := json.Unmarshal(in.Capture, &cmd.Capture); err != nil {
			return Command{}, errMalformed
		}
	}
	if !isNull(in.Source) {
		if err := json.Unmarshal(in.Source, &cmd.Source); err != nil {
			return Command{}, errMalformed
		}
	}
	if cmd.Capture && cmd.Source == "" {
		return Command{}, errMalformed
	}
	return cmd, nil
}

func parseCameraID(raw json.RawMessage) (relay.CameraID, bool) {
	if isNull(raw) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return relay.CameraID(s), s != ""
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err != nil {
		return "", false
	}
	return relay.CameraID(n.String()), true
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}
