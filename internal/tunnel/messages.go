// Package tunnel defines the JSON envelopes exchanged over the relay WebSocket.
package tunnel

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope type discriminators.
const (
	TypeReady    = "relay_ready"
	TypeRequest  = "webhook_request"
	TypeResponse = "webhook_response"
)

// CloseSuperseded is the WebSocket close code sent to a tunnel client that
// was replaced by a newer connection. Clients must not reconnect after it.
const CloseSuperseded = 4000

// Envelope is one of *Ready, *Request or *Response.
type Envelope interface {
	envelopeType() string
}

// Ready is sent by the server once a tunnel client has been accepted.
type Ready struct {
	RelayID string `json:"relay_id"`
}

// Request carries an inbound webhook call from the server to the client.
type Request struct {
	ID      string  `json:"id"`
	Method  string  `json:"method"`
	Path    string  `json:"path"`
	Query   string  `json:"query"`
	Headers Headers `json:"headers"`
	BodyB64 string  `json:"body_b64"`
}

// Response carries the local server's answer back to the relay server.
type Response struct {
	ID         string  `json:"id"`
	StatusCode Status  `json:"status_code"`
	Headers    Headers `json:"headers"`
	BodyB64    string  `json:"body_b64"`
}

func (*Ready) envelopeType() string    { return TypeReady }
func (*Request) envelopeType() string  { return TypeRequest }
func (*Response) envelopeType() string { return TypeResponse }

// Body decodes the base64 request body.
func (r *Request) Body() ([]byte, error) {
	return decodeBody(r.BodyB64)
}

// Body decodes the base64 response body.
func (r *Response) Body() ([]byte, error) {
	return decodeBody(r.BodyB64)
}

// EncodeBody base64-encodes a body for transmission.
func EncodeBody(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

func decodeBody(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	return b, nil
}

// DecodeError reports a frame of a known type whose fields could not be decoded.
// ID is set when the frame carried one, so the failure can still be routed.
type DecodeError struct {
	Type string
	ID   string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s %q: %v", e.Type, e.ID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode serializes an envelope with its type discriminator.
func Encode(env Envelope) ([]byte, error) {
	if env == nil {
		return nil, errors.New("nil envelope")
	}
	var payload any
	switch m := env.(type) {
	case *Ready:
		payload = struct {
			Type string `json:"type"`
			*Ready
		}{TypeReady, m}
	case *Request:
		payload = struct {
			Type string `json:"type"`
			*Request
		}{TypeRequest, m}
	case *Response:
		payload = struct {
			Type string `json:"type"`
			*Response
		}{TypeResponse, m}
	default:
		return nil, fmt.Errorf("unknown envelope %T", env)
	}
	return json.Marshal(payload)
}

// Decode parses a frame. Frames with an unknown type decode to (nil, nil).
func Decode(data []byte) (Envelope, error) {
	var head struct {
		Type string          `json:"type"`
		ID   json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var env Envelope
	switch head.Type {
	case TypeReady:
		env = &Ready{}
	case TypeRequest:
		env = &Request{}
	case TypeResponse:
		env = &Response{}
	default:
		return nil, nil
	}
	if err := json.Unmarshal(data, env); err != nil {
		var id string
		_ = json.Unmarshal(head.ID, &id)
		return nil, &DecodeError{Type: head.Type, ID: id, Err: err}
	}
	return env, nil
}
