package discovery

import (
	"fmt"

	"github.com/hashicorp/mdns"
)

const (
	// ServiceType is the mDNS service type this system publishes and
	// browses for. No TXT records are attached; identity is resolved
	// downstream by hardware UUID, not by service name.
	ServiceType   = "_computerdash._tcp"
	ServiceDomain = "local."
)

// MDNSAdvertiser registers the agent as a `_computerdash._tcp` mDNS
// service using the machine hostname as the instance name.
type MDNSAdvertiser struct {
	server *mdns.Server
}

// Advertise publishes the service on the given port. Safe to call once
// per Advertiser; call Stop before calling Advertise again.
func (a *MDNSAdvertiser) Advertise(hostname string, port int) error {
	service, err := mdns.NewMDNSService(hostname, ServiceType, ServiceDomain, "", port, nil, nil)
	if err != nil {
		return fmt.Errorf("building mDNS service record: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("starting mDNS responder: %w", err)
	}

	a.server = server
	return nil
}

// Stop shuts down the mDNS responder, if one was started.
func (a *MDNSAdvertiser) Stop() {
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}
