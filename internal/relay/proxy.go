package relay

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"webhookrelay/internal/logstore"
	"webhookrelay/internal/metrics"
	"webhookrelay/internal/tunnel"
)

// Response is the HTTP response produced for a proxied request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func errorResponse(status int, msg string) *Response {
	h := http.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return &Response{StatusCode: status, Header: h, Body: []byte(msg)}
}

// Write copies the response to w.
func (r *Response) Write(w http.ResponseWriter) {
	for k, v := range r.Header {
		w.Header()[k] = append([]string(nil), v...)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(r.Body)))
	w.WriteHeader(r.StatusCode)
	_, _ = w.Write(r.Body)
}

// Proxy forwards r through the tunnel and returns the client's response.
// It returns nil without blocking when the relay is disabled or no client is
// attached. Every other outcome, including timeouts and tunnel failures, is
// reported as a response with a status code.
func (s *Server) Proxy(r *http.Request) *Response {
	if !s.cfg.Enabled {
		return nil
	}
	c, ok := s.current()
	if !ok {
		s.metrics.Requests.WithLabelValues(metrics.OutcomeUnavailable).Inc()
		return nil
	}

	start := time.Now()
	entry := logstore.Entry{
		RelayID:   c.relayID,
		Method:    r.Method,
		Path:      r.URL.Path,
		Timestamp: start,
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return s.finish(entry, metrics.OutcomeSendError, errorResponse(http.StatusBadRequest, "read request body: "+err.Error()))
	}
	entry.BytesIn = len(body)

	id := uuid.NewString()
	entry.ID = id
	p := s.pending.add(id, c)
	s.metrics.Pending.Inc()
	defer s.metrics.Pending.Dec()

	// A disconnect that raced the insert has already drained the table.
	if cur, ok := s.conns.Current(); !ok || cur != c {
		s.pending.remove(id)
		return s.finish(entry, metrics.OutcomeDisconnected, errorResponse(http.StatusBadGateway, ErrRelayDisconnected.Error()))
	}

	req := &tunnel.Request{
		ID:      id,
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.RawQuery,
		Headers: tunnel.FilterHeaders(r.Header),
		BodyB64: tunnel.EncodeBody(body),
	}
	if err := c.send(req, s.cfg.WriteTimeout); err != nil {
		s.pending.remove(id)
		// A failed write leaves the socket unusable; closing it ends the
		// receive loop, which detaches the connection.
		c.close(websocket.CloseInternalServerErr, "write failed")
		s.log.Warn("tunnel send failed, dropping connection", "id", id, "relay_id", c.relayID, "error", err)
		return s.finish(entry, metrics.OutcomeSendError, errorResponse(http.StatusBadGateway, "relay send failed: "+err.Error()))
	}
	s.log.Debug("request sent into tunnel", "id", id, "method", r.Method, "path", r.URL.Path)

	timer := time.NewTimer(s.cfg.RequestTimeout)
	defer timer.Stop()

	var res result
	select {
	case res = <-p.done:
	case <-timer.C:
		if s.pending.remove(id) {
			return s.finish(entry, metrics.OutcomeTimeout, errorResponse(http.StatusGatewayTimeout, "relay timeout"))
		}
		// resolved concurrently; its result is already buffered
		res = <-p.done
	case <-r.Context().Done():
		if s.pending.remove(id) {
			return s.finish(entry, metrics.OutcomeTimeout, errorResponse(http.StatusGatewayTimeout, "request cancelled: "+r.Context().Err().Error()))
		}
		res = <-p.done
	}

	if res.err != nil {
		outcome := metrics.OutcomeBadResponse
		if errors.Is(res.err, ErrRelayDisconnected) {
			outcome = metrics.OutcomeDisconnected
		}
		return s.finish(entry, outcome, errorResponse(http.StatusBadGateway, res.err.Error()))
	}
	return s.finish(entry, metrics.OutcomeOK, res.resp)
}

func (s *Server) finish(e logstore.Entry, outcome string, resp *Response) *Response {
	e.Duration = time.Since(e.Timestamp)
	e.Status = resp.StatusCode
	e.Outcome = outcome
	e.BytesOut = len(resp.Body)
	if outcome != metrics.OutcomeOK {
		e.Error = string(resp.Body)
	}
	s.requests.Add(e)
	s.metrics.Requests.WithLabelValues(outcome).Inc()
	s.metrics.Duration.Observe(e.Duration.Seconds())
	s.log.Info("webhook relayed", "id", e.ID, "method", e.Method, "path", e.Path,
		"status", e.Status, "outcome", outcome, "duration", e.Duration)
	return resp
}

// ServeHTTP relays any request through the tunnel. With no client attached it
// answers 503.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := s.Proxy(r)
	if resp == nil {
		http.Error(w, "relay not connected", http.StatusServiceUnavailable)
		return
	}
	resp.Write(w)
}

// dispatch routes a webhook_response frame to its waiting Proxy call.
// Other frame types, frames without an id and unmatched ids are ignored.
func (s *Server) dispatch(data []byte) {
	env, err := tunnel.Decode(data)
	if err != nil {
		var de *tunnel.DecodeError
		if errors.As(err, &de) && de.Type == tunnel.TypeResponse && de.ID != "" {
			s.resolve(de.ID, result{err: fmt.Errorf("malformed relay response: %w", de.Err)})
			return
		}
		s.log.Warn("ignoring undecodable tunnel frame", "error", err)
		return
	}
	msg, ok := env.(*tunnel.Response)
	if !ok || msg.ID == "" {
		return
	}

	body, err := msg.Body()
	if err != nil {
		s.resolve(msg.ID, result{err: fmt.Errorf("malformed relay response: %w", err)})
		return
	}
	s.resolve(msg.ID, result{resp: &Response{
		StatusCode: msg.StatusCode.Code(),
		Header:     msg.Headers.HTTPHeader(),
		Body:       body,
	}})
}

func (s *Server) resolve(id string, res result) {
	if !s.pending.resolve(id, res) {
		s.metrics.Dropped.Inc()
		s.log.Debug("dropping response with no pending request", "id", id)
	}
}
