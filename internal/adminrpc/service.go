// Package adminrpc exposes the collector's fleet state and control
// operations to the fleet CLI over a local Unix domain socket, using
// net/rpc with a msgpack wire codec in place of the standard gob one.
package adminrpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"os"
	"time"

	"github.com/rs/zerolog"

	"computerdash/internal/fleet"
)

const serviceName = "Service"

// Pusher is the subset of *updatecontroller.Controller the RPC service
// needs to trigger a push against a single agent.
type Pusher interface {
	PushUpdateToAgent(ctx context.Context, endpoint string) error
}

// LaneCanceller is the subset of *pollengine.Engine the RPC service
// needs to tear down a deleted machine's polling tasks before removing
// it from the fleet.
type LaneCanceller interface {
	CancelForMachine(hardwareUUID, manualEndpoint string)
}

// Service is registered against a *rpc.Server and dispatches every
// admin operation the fleet CLI can issue.
type Service struct {
	fleet  *fleet.Fleet
	pusher Pusher
	engine LaneCanceller
	log    zerolog.Logger
}

// NewService builds a Service backed by f for reads/mutations, pusher
// for force-push requests, and engine to cancel a deleted machine's
// lane tasks.
func NewService(f *fleet.Fleet, pusher Pusher, engine LaneCanceller, log zerolog.Logger) *Service {
	return &Service{fleet: f, pusher: pusher, engine: engine, log: log}
}

type ListFleetArgs struct{}

type ListFleetReply struct {
	Entries []fleet.Entry
}

// ListFleet returns a snapshot of every known machine.
func (s *Service) ListFleet(args ListFleetArgs, reply *ListFleetReply) error {
	reply.Entries = s.fleet.Snapshot()
	return nil
}

type AddManualArgs struct {
	HardwareUUID string
	Endpoint     string
}

type AddManualReply struct{}

// AddManual records a manually-supplied endpoint for a machine, either
// updating an existing entry or creating a placeholder one.
func (s *Service) AddManual(args AddManualArgs, reply *AddManualReply) error {
	if args.HardwareUUID == "" {
		return errors.New("adminrpc: hardware UUID is required")
	}
	if _, _, err := fleet.ParseEndpoint(args.Endpoint); err != nil {
		return fmt.Errorf("adminrpc: %w", err)
	}
	s.fleet.SetManualEndpoint(args.HardwareUUID, args.Endpoint)
	return nil
}

type DeleteMachineArgs struct {
	HardwareUUID string
}

type DeleteMachineReply struct{}

// DeleteMachine cancels the machine's lane tasks and then drops it
// from the fleet table and persisted identity store, synchronously, so
// a task already in flight cannot report back into a deleted entry and
// recreate it.
func (s *Service) DeleteMachine(args DeleteMachineArgs, reply *DeleteMachineReply) error {
	entry, _ := s.fleet.Get(args.HardwareUUID)
	s.engine.CancelForMachine(args.HardwareUUID, entry.Identity.ManualEndpoint)
	s.fleet.Delete(args.HardwareUUID)
	return nil
}

type ForcePushArgs struct {
	HardwareUUID string
}

type ForcePushReply struct {
	Error string
}

// ForcePush resolves an endpoint for the machine and pushes the latest
// release to it, reporting failure through Reply.Error rather than the
// RPC error channel so partial-fleet pushes don't look like transport
// failures to the caller.
func (s *Service) ForcePush(args ForcePushArgs, reply *ForcePushReply) error {
	endpoint, ok := s.fleet.ResolveEndpoint(args.HardwareUUID)
	if !ok {
		return fmt.Errorf("adminrpc: no known endpoint for %s", args.HardwareUUID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.pusher.PushUpdateToAgent(ctx, endpoint); err != nil {
		s.fleet.SetLastError(args.HardwareUUID, err.Error())
		reply.Error = err.Error()
		return nil
	}
	s.fleet.SetLastError(args.HardwareUUID, "")
	return nil
}

// StartServer removes any stale socket at socketPath, listens on it,
// and serves incoming connections with the msgpack codec until ctx is
// cancelled.
func StartServer(ctx context.Context, socketPath string, svc *Service, log zerolog.Logger) error {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("adminrpc: removing stale socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("adminrpc: listening on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o660); err != nil {
		listener.Close()
		return fmt.Errorf("adminrpc: chmod %s: %w", socketPath, err)
	}

	server := rpc.NewServer()
	if err := server.RegisterName(serviceName, svc); err != nil {
		listener.Close()
		return fmt.Errorf("adminrpc: registering service: %w", err)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				log.Error().Err(err).Msg("Admin RPC accept failed")
				return err
			}
		}
		go server.ServeCodec(newServerCodec(conn))
	}
}

// Client talks to a running collector's admin socket.
type Client struct {
	rpc *rpc.Client
}

// NewClient dials socketPath and wraps the connection in the msgpack
// client codec.
func NewClient(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("adminrpc: dialing %s: %w", socketPath, err)
	}
	return &Client{rpc: rpc.NewClientWithCodec(newClientCodec(conn))}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.rpc.Close()
}

// ListFleet fetches a snapshot of every known machine.
func (c *Client) ListFleet() ([]fleet.Entry, error) {
	var reply ListFleetReply
	if err := c.rpc.Call(serviceName+".ListFleet", ListFleetArgs{}, &reply); err != nil {
		return nil, err
	}
	return reply.Entries, nil
}

// AddManual records a manually-supplied endpoint for hardwareUUID.
func (c *Client) AddManual(hardwareUUID, endpoint string) error {
	return c.rpc.Call(serviceName+".AddManual", AddManualArgs{HardwareUUID: hardwareUUID, Endpoint: endpoint}, &AddManualReply{})
}

// DeleteMachine removes hardwareUUID from the fleet.
func (c *Client) DeleteMachine(hardwareUUID string) error {
	return c.rpc.Call(serviceName+".DeleteMachine", DeleteMachineArgs{HardwareUUID: hardwareUUID}, &DeleteMachineReply{})
}

// ForcePush pushes the latest release to hardwareUUID, returning a
// non-empty error string if the push itself failed (as opposed to the
// RPC transport).
func (c *Client) ForcePush(hardwareUUID string) (string, error) {
	var reply ForcePushReply
	if err := c.rpc.Call(serviceName+".ForcePush", ForcePushArgs{HardwareUUID: hardwareUUID}, &reply); err != nil {
		return "", err
	}
	return reply.Error, nil
}
