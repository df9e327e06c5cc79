package radio

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/rubyfpv/radiolink/pkg/logging"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// socketBufferSize absorbs bursts of video packets
const socketBufferSize = 4 * 1024 * 1024

// radioSocketPriority is the SO_PRIORITY used for radio traffic
const radioSocketPriority = 6

var (
	ErrUnknownInterface = errors.New("unknown radio interface")
	ErrInterfaceClosed  = errors.New("radio interface closed")
)

// UDPInterface emulates a radio interface with a UDP socket. Frames are sent
// to a fixed peer and received from anyone.
type UDPInterface struct {
	Params InterfaceParams

	conn *net.UDPConn
	peer *net.UDPAddr
}

// NewUDPInterface binds listen and sends to peer
func NewUDPInterface(params InterfaceParams, listen, peer string) (*UDPInterface, error) {
	laddr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		return nil, fmt.Errorf("resolve listen address %q: %w", listen, err)
	}
	raddr, err := net.ResolveUDPAddr("udp", peer)
	if err != nil {
		return nil, fmt.Errorf("resolve peer address %q: %w", peer, err)
	}

	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", laddr, err)
	}

	if err := conn.SetReadBuffer(socketBufferSize); err != nil {
		logging.Warn("Failed to set UDP read buffer size", zap.String("iface", params.Name), zap.Error(err))
	}
	if err := conn.SetWriteBuffer(socketBufferSize); err != nil {
		logging.Warn("Failed to set UDP write buffer size", zap.String("iface", params.Name), zap.Error(err))
	}
	if err := setSocketPriority(conn, radioSocketPriority); err != nil {
		logging.Warn("Failed to set socket priority", zap.String("iface", params.Name), zap.Error(err))
	}

	logging.Info("Radio interface opened",
		zap.Int("index", params.Index),
		zap.String("name", params.Name),
		zap.String("listen", conn.LocalAddr().String()),
		zap.String("peer", raddr.String()))

	return &UDPInterface{Params: params, conn: conn, peer: raddr}, nil
}

// LocalAddr returns the bound address
func (u *UDPInterface) LocalAddr() *net.UDPAddr {
	return u.conn.LocalAddr().(*net.UDPAddr)
}

// Write sends one raw frame to the peer
func (u *UDPInterface) Write(frame []byte) error {
	_, err := u.conn.WriteToUDP(frame, u.peer)
	return err
}

// Read receives one raw frame into buf
func (u *UDPInterface) Read(buf []byte) (int, error) {
	n, _, err := u.conn.ReadFromUDP(buf)
	if errors.Is(err, net.ErrClosed) {
		return 0, ErrInterfaceClosed
	}
	return n, err
}

// Close closes the socket
func (u *UDPInterface) Close() error {
	return u.conn.Close()
}

// UDPOutput is an Output over a set of UDP interfaces
type UDPOutput struct {
	mu     sync.RWMutex
	ifaces map[int]*UDPInterface
}

// NewUDPOutput creates an empty output
func NewUDPOutput() *UDPOutput {
	return &UDPOutput{ifaces: make(map[int]*UDPInterface)}
}

// Add registers an interface under its index, replacing any previous one
func (o *UDPOutput) Add(iface *UDPInterface) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ifaces[iface.Params.Index] = iface
}

// Interface returns the interface registered under index
func (o *UDPOutput) Interface(index int) (*UDPInterface, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	iface, ok := o.ifaces[index]
	return iface, ok
}

// Interfaces returns the registered interfaces ordered by index
func (o *UDPOutput) Interfaces() []*UDPInterface {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*UDPInterface, 0, len(o.ifaces))
	for _, iface := range o.ifaces {
		out = append(out, iface)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Params.Index < out[j].Params.Index })
	return out
}

// Write sends a frame on the interface with the given index
func (o *UDPOutput) Write(ifaceIndex int, frame []byte) error {
	iface, ok := o.Interface(ifaceIndex)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownInterface, ifaceIndex)
	}
	return iface.Write(frame)
}

// Close closes every interface and reports all failures
func (o *UDPOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for idx, iface := range o.ifaces {
		err = multierr.Append(err, iface.Close())
		delete(o.ifaces, idx)
	}
	return err
}

// UpdateParams replaces the parameters of a registered interface. The socket
// is kept.
func (o *UDPOutput) UpdateParams(p InterfaceParams) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	iface, ok := o.ifaces[p.Index]
	if ok {
		iface.Params = p
	}
	return ok
}
