package main

import (
	"fmt"
	"sync"

	"github.com/rubyfpv/radiolink/pkg/common"
	"github.com/rubyfpv/radiolink/pkg/logging"
	"github.com/rubyfpv/radiolink/pkg/packet"
	"github.com/rubyfpv/radiolink/pkg/radio"
	"github.com/rubyfpv/radiolink/pkg/transport"
	"go.uber.org/zap"
)

// pipeline feeds a byte stream through the FEC ring onto a radio interface
// and serves retransmission requests coming back on it. The ring and the
// retransmitter are not safe for concurrent use; mu serializes them.
type pipeline struct {
	mu   sync.Mutex
	ring *transport.TxRingBuffer
	rt   *transport.Retransmitter
}

// radioWriter frames ring packets for one interface
type radioWriter struct {
	out   radio.Output
	iface radio.InterfaceParams
	link  radio.LinkParams
	pool  *common.BufferPool
}

func (w *radioWriter) WritePacket(pkt []byte) error {
	flags := w.link.RadioFlags
	if !w.iface.Has(radio.IfaceCapApplyMCSFlagsOnVehicle) {
		flags = radio.NormalizeMCSFlags(flags)
	}
	frame, err := radio.BuildFrame(radio.RouterDownlink, w.link.DatarateFor(packet.ModuleVideo), flags, pkt, w.pool)
	if err != nil {
		return err
	}
	defer w.pool.Put(frame)
	return w.out.Write(w.iface.Index, frame)
}

func newPipeline(cfg transport.RingConfig, framer *transport.BlockFramer, w transport.PacketWriter) (*pipeline, transport.InitResult) {
	ring := transport.NewTxRingBuffer(nil)
	res := ring.Init(cfg)
	return &pipeline{
		ring: ring,
		rt:   transport.NewRetransmitter(ring, framer, w),
	}, res
}

// ingest adds stream bytes and sends every packet they completed
func (p *pipeline) ingest(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ring.AddData(data)
	return p.rt.Drain(0)
}

// handleFrame serves the retransmission requests found in a received frame
func (p *pipeline) handleFrame(frame []byte) (int, error) {
	var reqs [][]byte
	err := packet.Walk(frame, func(pkt []byte, h packet.Header) bool {
		if h.Type != packet.PacketTypeVideoRetransmissionRequest.TypeID {
			return true
		}
		if !packet.CheckCRC(pkt) {
			logging.Warn("Dropping retransmission request with bad CRC", zap.Uint32("src", h.VehicleIDSrc))
			return true
		}
		reqs = append(reqs, pkt[packet.HeaderSize:])
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("walk received frame: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	served := 0
	for _, req := range reqs {
		n, err := p.rt.HandleRequest(req)
		if err != nil {
			logging.Warn("Bad retransmission request", zap.Error(err))
			continue
		}
		served += n
	}
	return served, nil
}

func (p *pipeline) logStats() {
	p.mu.Lock()
	rs := p.ring.Stats()
	ts := p.rt.Stats()
	oldest, newest := p.ring.RetainedWindow()
	p.mu.Unlock()

	logging.Info("Transmit ring stats",
		zap.Uint64("bytesIn", rs.BytesIn),
		zap.Uint64("dataPackets", rs.DataPackets),
		zap.Uint64("parityPackets", rs.ParityPackets),
		zap.Uint64("blocksCompleted", rs.BlocksCompleted),
		zap.Uint64("blocksEvicted", rs.BlocksEvicted),
		zap.Uint64("evictedUnsent", rs.EvictedUnsent),
		zap.Uint64("packetsSent", rs.PacketsSent),
		zap.Uint64("parityErrors", rs.ParityErrors),
		zap.Uint32("oldestBlock", oldest),
		zap.Uint32("newestBlock", newest),
		zap.Uint64("retransmitRequests", ts.Requests),
		zap.Uint64("retransmitted", ts.Served),
		zap.Uint64("retransmitNotFound", ts.NotFound))
}
