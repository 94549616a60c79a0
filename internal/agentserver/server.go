// Package agentserver implements the agent's HTTP-ish metrics server:
// port binding with retry/fallback, mDNS advertisement, connection
// dispatch, and dashboard-liveness tracking.
package agentserver

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"computerdash/internal/sampler"
	"computerdash/internal/updater"
)

const (
	basePort        = 49990
	portRetries     = 10
	listenerRestart = 5 * time.Second
	connReadTimeout = 10 * time.Second
	dashboardWindow = 15 * time.Second
	tickerInterval  = 5 * time.Second
	maxHeaderRead   = 64 * 1024
	maxUpdateBody   = 50 * 1024 * 1024
)

// updateApplyDelay gives the response time to flush to the peer before
// the updater tears down the listening process.
var updateApplyDelay = updater.WaitDelay()

// Server binds a listening port, advertises it over mDNS, and dispatches
// incoming requests to /status, /update and /check-updates.
type Server struct {
	sampler *sampler.Sampler
	updater *updater.Updater
	log     zerolog.Logger

	portReady chan struct{}
	portOnce  sync.Once
	mu        sync.RWMutex
	port      int
	listener  net.Listener

	lastPollTime atomic.Value // time.Time

	latchOnce sync.Once
	latch     *updateLatch

	advertise Advertiser
}

// Advertiser is the mDNS side of the agent, kept as an interface so the
// server can be tested without a real mDNS responder.
type Advertiser interface {
	Advertise(hostname string, port int) error
	Stop()
}

// New builds a Server. advertise may be nil, in which case mDNS
// advertisement is skipped (used in tests).
func New(smp *sampler.Sampler, upd *updater.Updater, advertise Advertiser, log zerolog.Logger) *Server {
	return &Server{
		sampler:   smp,
		updater:   upd,
		advertise: advertise,
		portReady: make(chan struct{}),
		log:       log,
	}
}

// Port blocks until the server has bound a port, then returns it.
func (s *Server) Port() int {
	<-s.portReady
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.port
}

// DashboardConnected reports whether a /status response has been sent
// within the last 15 seconds.
func (s *Server) DashboardConnected() bool {
	v := s.lastPollTime.Load()
	if v == nil {
		return false
	}
	return time.Since(v.(time.Time)) < dashboardWindow
}

// ListenAndServe binds a port (trying basePort..basePort+10 then an
// ephemeral port), advertises it, and accepts connections until the
// listener fails, at which point it waits 5s and restarts binding from
// basePort. Blocks; returns only on a fatal, unrecoverable bind failure.
func (s *Server) ListenAndServe(hostname string) error {
	for {
		listener, port, err := bindWithRetry()
		if err != nil {
			return fmt.Errorf("binding any port: %w", err)
		}

		s.mu.Lock()
		s.listener = listener
		s.port = port
		s.mu.Unlock()
		s.portOnce.Do(func() { close(s.portReady) })

		s.log.Info().Int("port", port).Msg("Agent server listening")

		if s.advertise != nil {
			if err := s.advertise.Advertise(hostname, port); err != nil {
				s.log.Warn().Err(err).Msg("mDNS advertisement failed")
			}
		}

		s.acceptLoop(listener)

		if s.advertise != nil {
			s.advertise.Stop()
		}

		s.log.Warn().Dur("delay", listenerRestart).Msg("Listener failed, restarting")
		time.Sleep(listenerRestart)
	}
}

func bindWithRetry() (net.Listener, int, error) {
	for i := 0; i <= portRetries; i++ {
		port := basePort + i
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			return l, port, nil
		}
	}

	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return nil, 0, fmt.Errorf("no ephemeral port available: %w", err)
	}
	return l, l.Addr().(*net.TCPAddr).Port, nil
}

func (s *Server) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		go s.handleConnection(conn)
	}
}

// StartLivenessTicker runs a 5-second ticker until stop is closed. Each
// tick does nothing: DashboardConnected computes freshness from
// lastPollTime on every call, so it is current without the ticker.
func (s *Server) StartLivenessTicker(stop <-chan struct{}) {
	ticker := time.NewTicker(tickerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-stop:
			return
		}
	}
}
