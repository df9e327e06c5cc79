package transport

import (
	"hash/crc32"

	"github.com/rubyfpv/radiolink/pkg/fec"
	"github.com/rubyfpv/radiolink/pkg/logging"
	"github.com/rubyfpv/radiolink/pkg/packet"
	"go.uber.org/zap"
)

// Ring limits
const (
	MaxRingBlocks = 1000

	// CRCSlotSize is the leading region of every packet that holds the CRC32
	// of the rest of the packet
	CRCSlotSize     = 4
	MinPacketLength = CRCSlotSize + 4
	MaxPacketLength = packet.MaxPacketPayload - packet.HeaderSize - BlockPrefixSize

	DefaultMemoryBudget = 64 << 20
)

// RingConfig describes the block scheme of a TxRingBuffer
type RingConfig struct {
	MaxBlocks    int
	EnableCRC    bool
	DataPackets  int
	ECPackets    int
	PacketLength int
	// MemoryBudget caps the packet arena in bytes. Zero means DefaultMemoryBudget.
	MemoryBudget int
}

// DefaultRingConfig returns the scheme used when nothing else is configured
func DefaultRingConfig() RingConfig {
	return RingConfig{
		MaxBlocks:    50,
		EnableCRC:    true,
		DataPackets:  8,
		ECPackets:    4,
		PacketLength: 1024,
		MemoryBudget: DefaultMemoryBudget,
	}
}

// PacketsPerBlock is the number of data plus parity packets in a block
func (c RingConfig) PacketsPerBlock() int {
	return c.DataPackets + c.ECPackets
}

// PayloadPerPacket is the application bytes carried by each data packet
func (c RingConfig) PayloadPerPacket() int {
	return c.PacketLength - CRCSlotSize
}

// InitResult reports how much of a requested RingConfig was honored
type InitResult struct {
	Effective RingConfig
	// Clamped is set when a value was outside its valid range
	Clamped bool
	// Degraded is set when MaxBlocks was reduced to fit the memory budget
	Degraded bool
}

// PacketRef locates a packet handed out by GetMarkFirstUnsentPacket.
// Data aliases the ring and stays valid until the block slot is reused.
type PacketRef struct {
	BlockIndex  uint32
	BufferIndex int
	PacketIndex int
	Data        []byte
}

// RingStats counts ring activity since the last Init
type RingStats struct {
	BytesIn         uint64
	DataPackets     uint64
	ParityPackets   uint64
	BlocksCompleted uint64
	BlocksEvicted   uint64
	EvictedUnsent   uint64
	PacketsSent     uint64
	ParityErrors    uint64
}

type packetState struct {
	filledBytes int
	sent        bool
}

type block struct {
	blockIndex    uint32
	filledPackets int
	complete      bool
	packets       []packetState
}

// TxRingBuffer turns a byte stream into fixed length data packets grouped in
// blocks, adds parity packets to every complete block and keeps the most
// recent blocks around for retransmission.
//
// All packets live in a single arena addressed by (block slot, packet slot).
// Every packet is laid out as [CRC32(4B)][payload(PacketLength-4)]; the CRC
// slot is zero when CRC is disabled. Parity is computed over the payload
// region so the CRC slot of parity packets is filled the same way.
//
// TxRingBuffer is not safe for concurrent use.
type TxRingBuffer struct {
	cfg   RingConfig
	coder fec.Coder

	arena  []byte
	blocks []block
	shards [][]byte

	top         int
	bottom      int
	retained    int
	topComplete bool
	nextIndex   uint32

	unsentBuffer int
	unsentPacket int

	stats RingStats
}

// NewTxRingBuffer creates a ring initialized with DefaultRingConfig.
// A nil coder selects the Reed-Solomon coder.
func NewTxRingBuffer(coder fec.Coder) *TxRingBuffer {
	if coder == nil {
		coder = fec.NewReedSolomon()
	}
	r := &TxRingBuffer{coder: coder}
	r.Init(DefaultRingConfig())
	return r
}

// Init (re)allocates the ring for a block scheme. Out of range values are
// clamped and MaxBlocks shrinks to fit the memory budget. All retained data
// is discarded.
func (r *TxRingBuffer) Init(cfg RingConfig) InitResult {
	res := InitResult{}
	clamp := func(v *int, lo, hi int) {
		if *v < lo {
			*v = lo
			res.Clamped = true
		} else if *v > hi {
			*v = hi
			res.Clamped = true
		}
	}
	clamp(&cfg.MaxBlocks, 1, MaxRingBlocks)
	clamp(&cfg.DataPackets, 1, fec.MaxDataPacketsInBlock)
	clamp(&cfg.ECPackets, 1, fec.MaxECPacketsInBlock)
	clamp(&cfg.PacketLength, MinPacketLength, MaxPacketLength)
	if cfg.MemoryBudget <= 0 {
		cfg.MemoryBudget = DefaultMemoryBudget
	}

	perBlock := cfg.PacketsPerBlock()
	blockBytes := perBlock * cfg.PacketLength
	if cfg.MaxBlocks*blockBytes > cfg.MemoryBudget {
		fit := cfg.MemoryBudget / blockBytes
		if fit < 1 {
			fit = 1
		}
		cfg.MaxBlocks = fit
		res.Degraded = true
	}
	res.Effective = cfg

	r.cfg = cfg
	r.arena = make([]byte, cfg.MaxBlocks*blockBytes)
	r.blocks = make([]block, cfg.MaxBlocks)
	states := make([]packetState, cfg.MaxBlocks*perBlock)
	for i := range r.blocks {
		r.blocks[i].packets = states[i*perBlock : (i+1)*perBlock : (i+1)*perBlock]
	}
	r.shards = make([][]byte, perBlock)

	r.top, r.bottom, r.retained = 0, 0, 1
	r.topComplete = false
	r.nextIndex = 1
	r.unsentBuffer, r.unsentPacket = 0, 0
	r.stats = RingStats{}

	if res.Clamped || res.Degraded {
		logging.Warn("Transmit ring config adjusted",
			zap.Int("maxBlocks", cfg.MaxBlocks),
			zap.Int("dataPackets", cfg.DataPackets),
			zap.Int("ecPackets", cfg.ECPackets),
			zap.Int("packetLength", cfg.PacketLength),
			zap.Bool("clamped", res.Clamped),
			zap.Bool("degraded", res.Degraded))
	} else {
		logging.Debug("Transmit ring initialized",
			zap.Int("maxBlocks", cfg.MaxBlocks),
			zap.Int("dataPackets", cfg.DataPackets),
			zap.Int("ecPackets", cfg.ECPackets),
			zap.Int("packetLength", cfg.PacketLength),
			zap.Bool("crc", cfg.EnableCRC))
	}
	return res
}

// Config returns the effective block scheme
func (r *TxRingBuffer) Config() RingConfig {
	return r.cfg
}

// Stats returns a snapshot of the ring counters
func (r *TxRingBuffer) Stats() RingStats {
	return r.stats
}

// RetainedWindow returns the oldest and newest block indexes still held
func (r *TxRingBuffer) RetainedWindow() (oldest, newest uint32) {
	return r.blocks[r.bottom].blockIndex, r.blocks[r.top].blockIndex
}

// AddData appends application bytes to the block being filled and returns
// how many data packets this call completed. A block is completed, and its
// parity computed, as soon as its last data packet fills up; the write head
// moves to the next block slot when more data arrives, evicting the oldest
// block if the ring is full.
//
// A partially filled packet waits for more data indefinitely. Callers that
// need bounded latency on a stalled producer should pad the stream themselves.
func (r *TxRingBuffer) AddData(data []byte) int {
	produced := 0
	capacity := r.cfg.PayloadPerPacket()
	r.stats.BytesIn += uint64(len(data))

	for len(data) > 0 {
		if r.topComplete {
			r.advanceHead()
		}
		b := &r.blocks[r.top]
		st := &b.packets[b.filledPackets]
		region := r.packetBytes(r.top, b.filledPackets)[CRCSlotSize:]

		n := copy(region[st.filledBytes:], data)
		st.filledBytes += n
		data = data[n:]
		if st.filledBytes < capacity {
			break
		}

		r.stampCRC(r.top, b.filledPackets)
		b.filledPackets++
		produced++
		r.stats.DataPackets++
		if b.filledPackets == r.cfg.DataPackets {
			r.completeTopBlock()
		}
	}
	return produced
}

// GetMarkFirstUnsentPacket returns the oldest packet never handed out yet and
// marks it sent. It returns false when the cursor has caught up with the
// producer.
func (r *TxRingBuffer) GetMarkFirstUnsentPacket() (PacketRef, bool) {
	for {
		b := &r.blocks[r.unsentBuffer]
		if r.unsentPacket < b.filledPackets {
			ref := PacketRef{
				BlockIndex:  b.blockIndex,
				BufferIndex: r.unsentBuffer,
				PacketIndex: r.unsentPacket,
				Data:        r.packetBytes(r.unsentBuffer, r.unsentPacket),
			}
			b.packets[r.unsentPacket].sent = true
			r.unsentPacket++
			r.stats.PacketsSent++
			return ref, true
		}
		if !b.complete || r.unsentBuffer == r.top {
			return PacketRef{}, false
		}
		r.unsentBuffer = r.next(r.unsentBuffer)
		r.unsentPacket = 0
	}
}

// GetPacket looks up a filled packet of a retained block
func (r *TxRingBuffer) GetPacket(blockIndex uint32, packetIndex int) ([]byte, bool) {
	if packetIndex < 0 {
		return nil, false
	}
	offset := blockIndex - r.blocks[r.bottom].blockIndex
	if offset >= uint32(r.retained) {
		return nil, false
	}
	slot := (r.bottom + int(offset)) % len(r.blocks)
	b := &r.blocks[slot]
	if b.blockIndex != blockIndex || packetIndex >= b.filledPackets {
		return nil, false
	}
	return r.packetBytes(slot, packetIndex), true
}

// Locate resolves a block index to its buffer slot
func (r *TxRingBuffer) Locate(blockIndex uint32) (int, bool) {
	offset := blockIndex - r.blocks[r.bottom].blockIndex
	if offset >= uint32(r.retained) {
		return 0, false
	}
	return (r.bottom + int(offset)) % len(r.blocks), true
}

// MarkPacketAsSent flags a packet as sent. Out of range slots are ignored.
func (r *TxRingBuffer) MarkPacketAsSent(bufferIndex, packetIndex int) {
	if bufferIndex < 0 || bufferIndex >= len(r.blocks) {
		return
	}
	b := &r.blocks[bufferIndex]
	if packetIndex < 0 || packetIndex >= len(b.packets) {
		return
	}
	b.packets[packetIndex].sent = true
}

// IsPacketSent reports the sent flag of a packet slot
func (r *TxRingBuffer) IsPacketSent(bufferIndex, packetIndex int) bool {
	if bufferIndex < 0 || bufferIndex >= len(r.blocks) {
		return false
	}
	b := &r.blocks[bufferIndex]
	if packetIndex < 0 || packetIndex >= len(b.packets) {
		return false
	}
	return b.packets[packetIndex].sent
}

// CheckPacketCRC verifies the CRC slot of a packet returned by the ring
func CheckPacketCRC(pkt []byte) bool {
	if len(pkt) < MinPacketLength {
		return false
	}
	want := uint32(pkt[0]) | uint32(pkt[1])<<8 | uint32(pkt[2])<<16 | uint32(pkt[3])<<24
	return crc32.ChecksumIEEE(pkt[CRCSlotSize:]) == want
}

func (r *TxRingBuffer) next(slot int) int {
	return (slot + 1) % len(r.blocks)
}

func (r *TxRingBuffer) packetBytes(slot, pkt int) []byte {
	off := (slot*r.cfg.PacketsPerBlock() + pkt) * r.cfg.PacketLength
	return r.arena[off : off+r.cfg.PacketLength : off+r.cfg.PacketLength]
}

func (r *TxRingBuffer) stampCRC(slot, pkt int) {
	buf := r.packetBytes(slot, pkt)
	var crc uint32
	if r.cfg.EnableCRC {
		crc = crc32.ChecksumIEEE(buf[CRCSlotSize:])
	}
	buf[0] = byte(crc)
	buf[1] = byte(crc >> 8)
	buf[2] = byte(crc >> 16)
	buf[3] = byte(crc >> 24)
}

// completeTopBlock computes parity for the block at the write head
func (r *TxRingBuffer) completeTopBlock() {
	b := &r.blocks[r.top]
	for i := range r.shards {
		r.shards[i] = r.packetBytes(r.top, i)[CRCSlotSize:]
	}
	if err := r.coder.Encode(r.shards, r.cfg.DataPackets); err != nil {
		r.stats.ParityErrors++
		logging.Error("Failed to compute parity for block",
			zap.Uint32("blockIndex", b.blockIndex),
			zap.Error(err))
	} else {
		for i := r.cfg.DataPackets; i < len(r.shards); i++ {
			b.packets[i].filledBytes = r.cfg.PayloadPerPacket()
			r.stampCRC(r.top, i)
		}
		b.filledPackets = len(r.shards)
		r.stats.ParityPackets += uint64(r.cfg.ECPackets)
	}
	b.complete = true
	r.topComplete = true
	r.stats.BlocksCompleted++
}

// advanceHead claims the next block slot, evicting the oldest block if needed
func (r *TxRingBuffer) advanceHead() {
	next := r.next(r.top)
	if r.retained == len(r.blocks) {
		evicted := &r.blocks[r.bottom]
		var unsent uint64
		for i := range evicted.packets[:evicted.filledPackets] {
			if !evicted.packets[i].sent {
				unsent++
			}
		}
		r.stats.BlocksEvicted++
		r.stats.EvictedUnsent += unsent
		if unsent > 0 {
			logging.Debug("Evicted block with unsent packets",
				zap.Uint32("blockIndex", evicted.blockIndex),
				zap.Uint64("unsent", unsent))
		}

		r.bottom = r.next(r.bottom)
		r.retained--
		if r.unsentBuffer == next {
			r.unsentBuffer = r.bottom
			r.unsentPacket = 0
		}
	}

	r.top = next
	r.retained++
	b := &r.blocks[next]
	b.blockIndex = r.nextIndex
	b.filledPackets = 0
	b.complete = false
	for i := range b.packets {
		b.packets[i] = packetState{}
	}
	r.nextIndex++
	r.topComplete = false
}
