package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
)

// Action tags an outbound request.
type Action string

const (
	ActionAuthenticate Action = "authenticate"
	ActionCaptain      Action = "captain"
)

// ErrMalformed is returned by Decode for frames that are not a JSON object.
var ErrMalformed = errors.New("malformed frame")

// Command carries arbitrary control fields (power, wheel, ...). The client
// forwards them untouched apart from the action tag.
type Command map[string]any

type credentialsRequest struct {
	Action   Action `json:"action"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenRequest struct {
	Action Action `json:"action"`
	Token  string `json:"token"`
}

// EncodeCredentials builds {action:"authenticate", username, password}.
func EncodeCredentials(username, password string) ([]byte, error) {
	return json.Marshal(credentialsRequest{Action: ActionAuthenticate, Username: username, Password: password})
}

// EncodeToken builds {action:"authenticate", token}.
func EncodeToken(token string) ([]byte, error) {
	return json.Marshal(tokenRequest{Action: ActionAuthenticate, Token: token})
}

// EncodeCommand builds {action:"captain", ...cmd} without modifying cmd.
func EncodeCommand(cmd Command) ([]byte, error) {
	out := make(map[string]any, len(cmd)+1)
	maps.Copy(out, cmd)
	out["action"] = ActionCaptain
	return json.Marshal(out)
}

// InboundKind is the category of a decoded frame.
type InboundKind int

const (
	KindTelemetry InboundKind = iota
	KindAuthResult
)

func (k InboundKind) String() string {
	switch k {
	case KindTelemetry:
		return "telemetry"
	case KindAuthResult:
		return "auth_result"
	default:
		return "unknown"
	}
}

// Presence is the peer-presence marker carried by some telemetry frames.
type Presence int

const (
	PresenceUnknown Presence = iota // no marker in the frame
	PresenceUp
	PresenceDown
)

// Inbound is a classified frame.
type Inbound struct {
	Kind InboundKind

	// Set for KindAuthResult.
	AuthOK bool
	Token  string

	// Set for KindTelemetry.
	Presence Presence

	Payload map[string]any
}

// Decode parses one frame and classifies it. Two authentication reply shapes
// are recognised: {authentication:..., token} and
// {event:"authentication", status:"success"|"failure", token}.
func Decode(data []byte) (Inbound, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if payload == nil {
		return Inbound{}, fmt.Errorf("%w: null", ErrMalformed)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Inbound{}, fmt.Errorf("%w: trailing data", ErrMalformed)
	}

	if isAuthResult(payload) {
		token, _ := payload["token"].(string)
		status, _ := payload["status"].(string)
		ok := token != "" && status != "failure"
		if !ok {
			token = ""
		}
		return Inbound{Kind: KindAuthResult, AuthOK: ok, Token: token, Payload: payload}, nil
	}

	in := Inbound{Kind: KindTelemetry, Payload: payload}
	if boat, found := payload["boat"]; found {
		if _, isObject := boat.(map[string]any); isObject {
			in.Presence = PresenceUp
		} else {
			in.Presence = PresenceDown
		}
	}
	return in, nil
}

func isAuthResult(payload map[string]any) bool {
	if _, ok := payload["authentication"]; ok {
		return true
	}
	event, _ := payload["event"].(string)
	return event == "authentication"
}
