package agentserver

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"computerdash/internal/sampler"
)

func testServer() *Server {
	return New(sampler.New("9.9.9"), nil, nil, zerolog.Nop())
}

func roundTrip(t *testing.T, s *Server, request string) string {
	t.Helper()
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		s.handleConnection(server)
		close(done)
	}()

	if _, err := client.Write([]byte(request)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := io.ReadAll(client)
	if err != nil && !strings.Contains(err.Error(), "closed pipe") {
		t.Fatalf("read response: %v", err)
	}
	client.Close()
	<-done
	return string(resp)
}

func TestHandleStatus_Returns200AndUpdatesPollTime(t *testing.T) {
	s := testServer()
	if s.DashboardConnected() {
		t.Fatal("expected DashboardConnected false before any poll")
	}

	resp := roundTrip(t, s, "GET /status HTTP/1.1\r\nHost: x\r\n\r\n")
	if !strings.HasPrefix(resp, "HTTP/1.1 200") {
		t.Errorf("expected 200 response, got %q", resp)
	}
	if !s.DashboardConnected() {
		t.Error("expected DashboardConnected true after /status")
	}
}

func TestHandleUnknownPath_Returns404(t *testing.T) {
	s := testServer()
	resp := roundTrip(t, s, "GET /nope HTTP/1.1\r\n\r\n")
	if !strings.HasPrefix(resp, "HTTP/1.1 404") {
		t.Errorf("expected 404 response, got %q", resp)
	}
}

func TestHandleUpdate_ExclusivityLatchReturns409(t *testing.T) {
	s := testServer()
	if !s.updateLatch().tryAcquire() {
		t.Fatal("expected to acquire latch")
	}

	resp := roundTrip(t, s, "POST /update HTTP/1.1\r\nContent-Length: 10\r\n\r\n0123456789")
	if !strings.HasPrefix(resp, "HTTP/1.1 409") {
		t.Errorf("expected 409 response, got %q", resp)
	}
}

func TestHandleUpdate_OversizedContentLengthReturns413(t *testing.T) {
	s := testServer()
	req := fmt.Sprintf("POST /update HTTP/1.1\r\nContent-Length: %d\r\n\r\n", 104857601)

	resp := roundTrip(t, s, req)
	if !strings.HasPrefix(resp, "HTTP/1.1 413") {
		t.Errorf("expected 413 response, got %q", resp)
	}
}

func TestHandleUpdate_MissingContentLengthReturns400(t *testing.T) {
	s := testServer()
	resp := roundTrip(t, s, "POST /update HTTP/1.1\r\n\r\nsomebody")
	if !strings.HasPrefix(resp, "HTTP/1.1 400") {
		t.Errorf("expected 400 response, got %q", resp)
	}
}

func TestHandleUpdate_EmptyBodyTriggersAcceptedWithoutArchive(t *testing.T) {
	s := testServer()
	resp := roundTrip(t, s, "POST /update HTTP/1.1\r\nContent-Length: 0\r\n\r\n")
	if !strings.HasPrefix(resp, "HTTP/1.1 200") {
		t.Errorf("expected 200 response, got %q", resp)
	}
	if s.updateLatch().active {
		t.Error("latch must not remain held for an empty-body trigger")
	}
}

func TestHandleUpdate_FullReceiptAccepts(t *testing.T) {
	s := testServer()
	payload := bytes.Repeat([]byte("a"), 100)
	req := fmt.Sprintf("POST /update HTTP/1.1\r\nContent-Length: %d\r\n\r\n%s", len(payload), payload)

	resp := roundTrip(t, s, req)
	if !strings.HasPrefix(resp, "HTTP/1.1 200") {
		t.Errorf("expected 200 response, got %q", resp)
	}

	time.Sleep(50 * time.Millisecond)
}

func TestBindWithRetry_FallsBackWhenPreferredPortsTaken(t *testing.T) {
	var held []net.Listener
	for p := basePort; p <= basePort+portRetries; p++ {
		if hl, err := net.Listen("tcp", fmt.Sprintf(":%d", p)); err == nil {
			held = append(held, hl)
		}
	}
	defer func() {
		for _, hl := range held {
			hl.Close()
		}
	}()

	l, port, err := bindWithRetry()
	if err != nil {
		t.Fatalf("bindWithRetry failed: %v", err)
	}
	defer l.Close()
	if port == 0 {
		t.Error("expected a nonzero bound port")
	}
	if port >= basePort && port <= basePort+portRetries {
		t.Errorf("expected an ephemeral port outside %d..%d, got %d", basePort, basePort+portRetries, port)
	}
}
