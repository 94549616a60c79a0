package agentserver

import (
	"net"
	"os"
	"sync"
	"time"

	"computerdash/internal/wire"
)

// updateLatch enforces the "only one update in flight" exclusivity rule
// across concurrent connections.
type updateLatch struct {
	mu     sync.Mutex
	active bool
}

func (l *updateLatch) tryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active {
		return false
	}
	l.active = true
	return true
}

func (l *updateLatch) release() {
	l.mu.Lock()
	l.active = false
	l.mu.Unlock()
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(connReadTimeout))

	buf := make([]byte, maxHeaderRead)
	n, err := conn.Read(buf)
	if err != nil {
		return
	}
	data := buf[:n]

	method, path, ok := wire.ParseRequestLine(data)
	if !ok {
		writeResponse(conn, 400, "text/plain", []byte("Bad Request"))
		return
	}

	switch {
	case method == "GET" && path == "/status":
		s.handleStatus(conn)
	case method == "POST" && path == "/update":
		s.handleUpdate(conn, data)
	case method == "POST" && path == "/check-updates":
		s.handleCheckUpdates(conn)
	default:
		writeResponse(conn, 404, "text/plain", nil)
	}
}

func (s *Server) handleStatus(conn net.Conn) {
	status := s.sampler.CurrentStatus()
	body, err := wire.EncodeStatus(status)
	if err != nil {
		writeResponse(conn, 500, "text/plain", []byte("Internal Server Error"))
		return
	}
	writeResponse(conn, 200, "application/json", body)
	s.lastPollTime.Store(time.Now())
}

func (s *Server) handleCheckUpdates(conn net.Conn) {
	// A per-agent application audit refresh has no counterpart in this
	// deployment; the handler just answers with the current status.
	status := s.sampler.CurrentStatus()
	body, err := wire.EncodeStatus(status)
	if err != nil {
		writeResponse(conn, 500, "text/plain", []byte("Internal Server Error"))
		return
	}
	writeResponse(conn, 200, "application/json", body)
}

// handleUpdate implements the five-step protocol from the dispatch
// table: exclusivity latch, Content-Length parse, size cap, body
// accumulation, accept-then-apply.
func (s *Server) handleUpdate(conn net.Conn, initial []byte) {
	if !s.updateLatch().tryAcquire() {
		writeResponse(conn, 409, "text/plain", []byte("Update already in progress"))
		return
	}
	acquired := true
	defer func() {
		if acquired {
			s.updateLatch().release()
		}
	}()

	declared, ok := wire.ParseContentLengthUncapped(initial)
	if !ok {
		writeResponse(conn, 400, "text/plain", []byte("Bad Request"))
		return
	}

	if declared == 0 {
		// An empty body carries no archive; it is accepted with 200 and
		// handed to runSelfCheck, which performs no update.
		writeResponse(conn, 200, "text/plain", []byte("Update accepted"))
		if s.updater != nil {
			go s.runSelfCheck()
		}
		return
	}

	if declared > maxUpdateBody {
		writeResponse(conn, 413, "text/plain", []byte("Payload too large"))
		return
	}

	body, ok := wire.ExtractBody(initial)
	if !ok {
		body = nil
	}

	body, err := s.readRemainingBody(conn, body, declared)
	if err != nil {
		writeResponse(conn, 400, "text/plain", []byte("Bad Request"))
		return
	}

	writeResponse(conn, 200, "text/plain", []byte("Update accepted"))
	conn.Close()

	acquired = false
	go s.applyAfterDelay(body)
}

func (s *Server) readRemainingBody(conn net.Conn, have []byte, declared int) ([]byte, error) {
	body := make([]byte, 0, declared)
	body = append(body, have...)

	for len(body) < declared {
		chunk := make([]byte, 64*1024)
		n, err := conn.Read(chunk)
		if n > 0 {
			body = append(body, chunk[:n]...)
		}
		if err != nil {
			if len(body) >= declared {
				break
			}
			return nil, err
		}
	}
	return body, nil
}

func (s *Server) applyAfterDelay(body []byte) {
	time.Sleep(updateApplyDelay)
	s.updateLatch().release()
	if s.updater == nil {
		return
	}
	if err := s.updater.Apply(body); err != nil {
		s.log.Error().Err(err).Msg("Update apply failed")
		return
	}
	// The trampoline waits for this process to exit before swapping the
	// bundle.
	os.Exit(0)
}

func (s *Server) runSelfCheck() {
	// Does nothing: this agent has no built-in release checker, so an
	// empty-body /update is acknowledged and no update takes place.
}

func (s *Server) updateLatch() *updateLatch {
	s.latchOnce.Do(func() { s.latch = &updateLatch{} })
	return s.latch
}

func writeResponse(conn net.Conn, status int, contentType string, body []byte) {
	conn.Write(wire.BuildResponse(status, body, contentType))
}
