package transport

import (
	"fmt"

	"github.com/rubyfpv/radiolink/pkg/logging"
	"github.com/rubyfpv/radiolink/pkg/packet"
	"go.uber.org/zap"
)

// PacketWriter sends a framed radio packet
type PacketWriter interface {
	WritePacket(pkt []byte) error
}

// PacketWriterFunc adapts a function to PacketWriter
type PacketWriterFunc func(pkt []byte) error

func (f PacketWriterFunc) WritePacket(pkt []byte) error { return f(pkt) }

// RetransmitStats counts retransmission activity
type RetransmitStats struct {
	Requests    uint64
	Served      uint64
	NotFound    uint64
	WriteErrors uint64
}

// Retransmitter moves ring packets to a PacketWriter: fresh packets in
// production order through Drain, and earlier packets on request.
type Retransmitter struct {
	ring   *TxRingBuffer
	framer *BlockFramer
	writer PacketWriter
	stats  RetransmitStats
}

// NewRetransmitter creates a retransmitter for a ring
func NewRetransmitter(ring *TxRingBuffer, framer *BlockFramer, writer PacketWriter) *Retransmitter {
	return &Retransmitter{ring: ring, framer: framer, writer: writer}
}

// Stats returns a snapshot of the retransmission counters
func (rt *Retransmitter) Stats() RetransmitStats {
	return rt.stats
}

// Drain writes up to limit unsent packets (all of them when limit <= 0) and
// returns how many were written. It stops at the first write error; the
// failed packet stays marked sent and can be recovered through a
// retransmission request.
func (rt *Retransmitter) Drain(limit int) (int, error) {
	written := 0
	for limit <= 0 || written < limit {
		ref, ok := rt.ring.GetMarkFirstUnsentPacket()
		if !ok {
			break
		}
		pkt, err := rt.framer.Frame(rt.ring.Config(), ref.BlockIndex, ref.PacketIndex, ref.Data, false)
		if err != nil {
			return written, err
		}
		if err := rt.writer.WritePacket(pkt); err != nil {
			return written, fmt.Errorf("write block %d packet %d: %w", ref.BlockIndex, ref.PacketIndex, err)
		}
		written++
	}
	return written, nil
}

// HandleRequest serves a retransmission request payload. Packets that left the
// retention window are counted as not found. It returns the number of packets
// written.
func (rt *Retransmitter) HandleRequest(payload []byte) (int, error) {
	refs, err := packet.DecodeRetransmissionRequest(payload)
	if err != nil {
		return 0, err
	}
	rt.stats.Requests++

	served := 0
	for _, ref := range refs {
		data, ok := rt.ring.GetPacket(ref.BlockIndex, int(ref.PacketIndex))
		if !ok {
			rt.stats.NotFound++
			continue
		}
		pkt, err := rt.framer.Frame(rt.ring.Config(), ref.BlockIndex, int(ref.PacketIndex), data, true)
		if err != nil {
			return served, err
		}
		if err := rt.writer.WritePacket(pkt); err != nil {
			rt.stats.WriteErrors++
			logging.Warn("Failed to retransmit packet",
				zap.Uint32("blockIndex", ref.BlockIndex),
				zap.Uint8("packetIndex", ref.PacketIndex),
				zap.Error(err))
			continue
		}
		if slot, ok := rt.ring.Locate(ref.BlockIndex); ok {
			rt.ring.MarkPacketAsSent(slot, int(ref.PacketIndex))
		}
		rt.stats.Served++
		served++
	}

	if missing := len(refs) - served; missing > 0 {
		logging.Debug("Retransmission request partially served",
			zap.Int("requested", len(refs)),
			zap.Int("served", served))
	}
	return served, nil
}
