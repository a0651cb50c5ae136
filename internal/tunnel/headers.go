package tunnel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// Headers is the wire form of an HTTP header set. Values decode from either a
// string or an array of strings; single values encode as plain strings.
type Headers map[string][]string

// hopHeaders are recomputed by whichever side issues the real HTTP call.
var hopHeaders = map[string]bool{
	"Host":           true,
	"Content-Length": true,
	"Connection":     true,
}

// FilterHeaders copies h, dropping transport-specific headers.
func FilterHeaders(h http.Header) Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		if hopHeaders[http.CanonicalHeaderKey(k)] || len(v) == 0 {
			continue
		}
		out[k] = append([]string(nil), v...)
	}
	return out
}

// HTTPHeader converts the wire headers to canonical http.Header form,
// dropping transport-specific headers.
func (h Headers) HTTPHeader() http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		ck := http.CanonicalHeaderKey(k)
		if hopHeaders[ck] {
			continue
		}
		out[ck] = append(out[ck], v...)
	}
	return out
}

func (h Headers) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(h))
	for k, v := range h {
		if len(v) == 1 {
			m[k] = v[0]
		} else {
			m[k] = v
		}
	}
	return json.Marshal(m)
}

func (h *Headers) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Headers, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = []string{s}
			continue
		}
		var ss []string
		if err := json.Unmarshal(v, &ss); err != nil {
			return fmt.Errorf("header %q: %w", k, err)
		}
		out[k] = ss
	}
	*h = out
	return nil
}

// DefaultStatus is used when a response carries no usable status code.
const DefaultStatus = http.StatusBadGateway

// Status is a response status code that tolerates numeric strings.
// Missing, malformed or out-of-range values read as DefaultStatus.
type Status int

// Code returns the status to report to the original caller.
func (s Status) Code() int {
	if s < 100 || s > 599 {
		return DefaultStatus
	}
	return int(s)
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		var str string
		if json.Unmarshal(data, &str) != nil {
			*s = 0
			return nil
		}
		n = json.Number(str)
	}
	v, err := strconv.Atoi(n.String())
	if err != nil {
		*s = 0
		return nil
	}
	*s = Status(v)
	return nil
}
