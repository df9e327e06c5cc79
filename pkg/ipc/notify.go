// Package ipc notifies local processes of relay parameter changes.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rubyfpv/radiolink/pkg/logging"
	"github.com/rubyfpv/radiolink/pkg/relay"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the RelayParamsChanged message
const (
	fieldVehicleID        protowire.Number = 1
	fieldRelayedVehicleID protowire.Number = 2
	fieldRelayLinkID      protowire.Number = 3
	fieldCapabilityFlags  protowire.Number = 4
	fieldMode             protowire.Number = 5
	fieldState            protowire.Number = 6
)

// MaxMessageSize bounds a notification datagram
const MaxMessageSize = 256

var ErrMalformed = errors.New("ipc: malformed notification")

// RelayParamsChanged is broadcast after the relay configuration of a vehicle
// has been applied
type RelayParamsChanged struct {
	VehicleID        uint32
	RelayedVehicleID uint32
	RelayLinkID      int
	CapabilityFlags  uint32
	Mode             uint8
	State            relay.State
}

// FromSession builds a notification from a relay session
func FromSession(vehicleID uint32, s relay.Session) RelayParamsChanged {
	return RelayParamsChanged{
		VehicleID:        vehicleID,
		RelayedVehicleID: s.RelayedVehicleID,
		RelayLinkID:      s.RelayLinkID,
		CapabilityFlags:  s.CapabilityFlags,
		Mode:             s.Mode,
		State:            s.State(),
	}
}

// Marshal encodes the notification in protobuf wire format
func (m RelayParamsChanged) Marshal() []byte {
	b := make([]byte, 0, 32)
	b = protowire.AppendTag(b, fieldVehicleID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.VehicleID))
	b = protowire.AppendTag(b, fieldRelayedVehicleID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.RelayedVehicleID))
	b = protowire.AppendTag(b, fieldRelayLinkID, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(m.RelayLinkID)))
	b = protowire.AppendTag(b, fieldCapabilityFlags, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.CapabilityFlags))
	b = protowire.AppendTag(b, fieldMode, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Mode))
	b = protowire.AppendTag(b, fieldState, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.State))
	return b
}

// Unmarshal decodes a notification. Unknown fields are skipped.
func Unmarshal(b []byte) (RelayParamsChanged, error) {
	m := RelayParamsChanged{RelayLinkID: -1}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return RelayParamsChanged{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return RelayParamsChanged{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return RelayParamsChanged{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldVehicleID:
			m.VehicleID = uint32(v)
		case fieldRelayedVehicleID:
			m.RelayedVehicleID = uint32(v)
		case fieldRelayLinkID:
			m.RelayLinkID = int(protowire.DecodeZigZag(v))
		case fieldCapabilityFlags:
			m.CapabilityFlags = uint32(v)
		case fieldMode:
			m.Mode = uint8(v)
		case fieldState:
			m.State = relay.State(v)
		}
	}
	return m, nil
}

// Notifier sends notifications to a fixed set of UDP peers
type Notifier struct {
	vehicleID uint32
	conn      *net.UDPConn
	peers     []*net.UDPAddr
	mu        sync.Mutex
}

// NewNotifier resolves peers and opens an unbound socket
func NewNotifier(vehicleID uint32, peers []string) (*Notifier, error) {
	n := &Notifier{vehicleID: vehicleID}
	for _, p := range peers {
		addr, err := net.ResolveUDPAddr("udp", p)
		if err != nil {
			return nil, fmt.Errorf("resolve ipc peer %q: %w", p, err)
		}
		n.peers = append(n.peers, addr)
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("open ipc socket: %w", err)
	}
	n.conn = conn
	return n, nil
}

// Notify sends the session to every peer. A peer failure does not stop
// delivery to the others.
func (n *Notifier) Notify(ctx context.Context, s relay.Session) error {
	msg := FromSession(n.vehicleID, s).Marshal()

	n.mu.Lock()
	defer n.mu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := n.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set ipc write deadline: %w", err)
	}

	var errs error
	for _, peer := range n.peers {
		if _, err := n.conn.WriteToUDP(msg, peer); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("notify %s: %w", peer, err))
		}
	}
	logging.Debug("Relay params notification sent",
		zap.Int("peers", len(n.peers)),
		zap.Uint32("relayedVehicleID", s.RelayedVehicleID),
		zap.Error(errs))
	return errs
}

// Close releases the socket
func (n *Notifier) Close() error {
	return n.conn.Close()
}

// Listen receives notifications on addr until ctx is done, calling fn for
// each valid message. Malformed datagrams are logged and skipped.
func Listen(ctx context.Context, addr string, fn func(RelayParamsChanged)) error {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve ipc listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("listen ipc: %w", err)
	}
	return Serve(ctx, conn, fn)
}

// Serve reads notifications from conn until ctx is done. conn is closed on
// return.
func Serve(ctx context.Context, conn *net.UDPConn, fn func(RelayParamsChanged)) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	buf := make([]byte, MaxMessageSize)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read ipc: %w", err)
		}
		m, err := Unmarshal(buf[:n])
		if err != nil {
			logging.Warn("Dropping ipc datagram", zap.Stringer("from", src), zap.Error(err))
			continue
		}
		fn(m)
	}
}
