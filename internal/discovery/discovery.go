// Package discovery wraps mDNS browsing (C6) and advertisement for the
// `_computerdash._tcp` service: the collector side emits onFound/onLost
// callbacks for newly seen or dropped agents, the agent side publishes
// itself (see advertise.go).
package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/rs/zerolog"
)

const (
	queryInterval  = 10 * time.Second
	queryTimeout   = 4 * time.Second
	restartBackoff = 5 * time.Second
)

// OnFound is invoked the first time a service name appears, with the
// endpoint ("host:port") and the mDNS instance name.
type OnFound func(endpoint, serviceName string)

// OnLost is invoked when a previously seen service name stops appearing
// in a browse round.
type OnLost func(serviceName string)

// Browser polls mDNS for the `_computerdash._tcp` service on an
// interval and tracks which service names are currently present.
type Browser struct {
	onFound OnFound
	onLost  OnLost
	log     zerolog.Logger

	seen map[string]string // serviceName -> endpoint
}

// NewBrowser builds a Browser. onFound and onLost are invoked from the
// Browser's own goroutine, never concurrently with each other.
func NewBrowser(onFound OnFound, onLost OnLost, log zerolog.Logger) *Browser {
	return &Browser{
		onFound: onFound,
		onLost:  onLost,
		log:     log,
		seen:    make(map[string]string),
	}
}

// Start begins browsing until ctx is cancelled. On a failed query round
// it cancels the current round, waits 5 seconds, and restarts — this is
// the component's only retry loop.
func (b *Browser) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := b.queryOnce(ctx); err != nil {
			b.log.Warn().Err(err).Msg("mDNS query failed, restarting")
			select {
			case <-ctx.Done():
				return
			case <-time.After(restartBackoff):
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(queryInterval):
		}
	}
}

func (b *Browser) queryOnce(ctx context.Context) error {
	entriesCh := make(chan *mdns.ServiceEntry, 16)
	present := make(map[string]string)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entriesCh {
			if entry.AddrV4 == nil {
				continue
			}
			endpoint := fmt.Sprintf("%s:%d", entry.AddrV4.String(), entry.Port)
			present[entry.Name] = endpoint
		}
	}()

	err := mdns.Query(&mdns.QueryParam{
		Service:             ServiceType,
		Domain:              "local",
		Timeout:             queryTimeout,
		Entries:             entriesCh,
		WantUnicastResponse: true,
	})
	close(entriesCh)
	<-done
	if err != nil {
		return err
	}

	b.reconcile(present)
	return nil
}

func (b *Browser) reconcile(present map[string]string) {
	for name, endpoint := range present {
		if _, ok := b.seen[name]; !ok {
			b.seen[name] = endpoint
			if b.onFound != nil {
				b.onFound(endpoint, name)
			}
		}
	}

	for name := range b.seen {
		if _, ok := present[name]; !ok {
			delete(b.seen, name)
			if b.onLost != nil {
				b.onLost(name)
			}
		}
	}
}
