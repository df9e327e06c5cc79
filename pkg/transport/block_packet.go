package transport

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rubyfpv/radiolink/pkg/packet"
)

// BlockPrefixSize is the block addressing prefix put in front of ring packets
// [BlockIndex(4B)][PacketIndex(1B)][DataPackets(1B)][ECPackets(1B)]
const BlockPrefixSize = 7

var (
	ErrNotBlockPacket = errors.New("payload too short for block packet")
	ErrBadCRC         = errors.New("block packet crc mismatch")
)

// BlockPacket is a ring packet as carried on air
type BlockPacket struct {
	Header      packet.Header
	BlockIndex  uint32
	PacketIndex uint8
	DataPackets uint8
	ECPackets   uint8
	// Data is the ring packet including its CRC slot
	Data []byte
}

// IsParity reports whether the packet carries parity
func (bp *BlockPacket) IsParity() bool {
	return bp.PacketIndex >= bp.DataPackets
}

// BlockFramer wraps ring packets into radio packets for one stream
type BlockFramer struct {
	Type          packet.PacketType
	VehicleIDSrc  uint32
	VehicleIDDest uint32
	StreamID      uint32

	streamIndex uint32
}

// NewBlockFramer creates a framer producing VIDEO_DATA_FULL packets
func NewBlockFramer(src, dest, streamID uint32) *BlockFramer {
	return &BlockFramer{
		Type:          packet.PacketTypeVideoDataFull,
		VehicleIDSrc:  src,
		VehicleIDDest: dest,
		StreamID:      streamID,
	}
}

// Frame builds the radio packet for a ring packet. With cfg.EnableCRC the
// packet header carries a CRC over the whole packet.
func (f *BlockFramer) Frame(cfg RingConfig, blockIndex uint32, packetIndex int, data []byte, retransmitted bool) ([]byte, error) {
	if packetIndex < 0 || packetIndex >= cfg.PacketsPerBlock() {
		return nil, fmt.Errorf("packet index %d outside block of %d", packetIndex, cfg.PacketsPerBlock())
	}
	h := packet.Header{
		Flags:         f.Type.Module,
		Type:          f.Type.TypeID,
		VehicleIDSrc:  f.VehicleIDSrc,
		VehicleIDDest: f.VehicleIDDest,
	}
	if retransmitted {
		h.Flags |= packet.FlagRetransmitted
	}
	h.SetStream(f.StreamID, f.streamIndex)
	f.streamIndex++

	payload := make([]byte, BlockPrefixSize+len(data))
	binary.LittleEndian.PutUint32(payload[0:4], blockIndex)
	payload[4] = uint8(packetIndex)
	payload[5] = uint8(cfg.DataPackets)
	payload[6] = uint8(cfg.ECPackets)
	copy(payload[BlockPrefixSize:], data)

	pkt, err := packet.Build(h, payload)
	if err != nil {
		return nil, fmt.Errorf("frame block %d packet %d: %w", blockIndex, packetIndex, err)
	}
	if cfg.EnableCRC {
		packet.StampCRC(pkt)
	}
	return pkt, nil
}

// DecodeBlockPacket parses a radio packet produced by BlockFramer
func DecodeBlockPacket(pkt []byte) (BlockPacket, error) {
	h, err := packet.DecodeHeader(pkt)
	if err != nil {
		return BlockPacket{}, err
	}
	if int(h.TotalLength) > len(pkt) || int(h.TotalLength) < packet.HeaderSize+BlockPrefixSize {
		return BlockPacket{}, ErrNotBlockPacket
	}
	if !packet.CheckCRC(pkt[:h.TotalLength]) {
		return BlockPacket{}, ErrBadCRC
	}
	p := pkt[packet.HeaderSize:h.TotalLength]
	return BlockPacket{
		Header:      h,
		BlockIndex:  binary.LittleEndian.Uint32(p[0:4]),
		PacketIndex: p[4],
		DataPackets: p[5],
		ECPackets:   p[6],
		Data:        p[BlockPrefixSize:],
	}, nil
}
