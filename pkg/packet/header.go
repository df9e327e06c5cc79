package packet

import (
	"encoding/binary"
	"errors"
)

// HeaderSize is the encoded size of a radio packet header
// [CRC(4B)][Flags(1B)][Type(1B)][StreamPacketIdx(4B)][RadioLinkPacketIndex(2B)][VehicleIDSrc(4B)][VehicleIDDest(4B)][TotalLength(2B)]
const HeaderSize = 22

// MaxPacketPayload is the largest radio packet, header included
const MaxPacketPayload = 1250

// Module ids carried in the low bits of Flags
const (
	ModuleRuby      uint8 = 0
	ModuleTelemetry uint8 = 1
	ModuleVideo     uint8 = 2
	ModuleAudio     uint8 = 3
	ModuleCommands  uint8 = 4
	ModuleRC        uint8 = 5

	ModuleMask uint8 = 0x07
)

// Flag bits above the module id
const (
	FlagHasCRC        uint8 = 0x08
	FlagRetransmitted uint8 = 0x10
)

// Stream id lives in the top bits of StreamPacketIdx
const (
	StreamIDShift       = 28
	StreamPacketIdxMask = (1 << StreamIDShift) - 1
)

// Header is the fixed header at the start of every radio packet
type Header struct {
	CRC                  uint32
	Flags                uint8
	Type                 PacketTypeID
	StreamPacketIdx      uint32
	RadioLinkPacketIndex uint16
	VehicleIDSrc         uint32
	VehicleIDDest        uint32
	TotalLength          uint16
}

var (
	ErrShortHeader   = errors.New("data too short for packet header")
	ErrBadLength     = errors.New("packet total length out of range")
	ErrTruncatedUnit = errors.New("composed frame truncated inside a packet")
)

// ModuleID returns the module id from the header flags
func (h *Header) ModuleID() uint8 {
	return h.Flags & ModuleMask
}

// StreamID returns the stream id packed into StreamPacketIdx
func (h *Header) StreamID() uint32 {
	return h.StreamPacketIdx >> StreamIDShift
}

// StreamIndex returns the per-stream packet counter
func (h *Header) StreamIndex() uint32 {
	return h.StreamPacketIdx & StreamPacketIdxMask
}

// SetStream packs stream id and index into StreamPacketIdx
func (h *Header) SetStream(streamID, index uint32) {
	h.StreamPacketIdx = (streamID << StreamIDShift) | (index & StreamPacketIdxMask)
}

// Encode writes the header into the first HeaderSize bytes of buf
func (h *Header) Encode(buf []byte) error {
	if len(buf) < HeaderSize {
		return ErrShortHeader
	}
	binary.LittleEndian.PutUint32(buf[0:4], h.CRC)
	buf[4] = h.Flags
	buf[5] = byte(h.Type)
	binary.LittleEndian.PutUint32(buf[6:10], h.StreamPacketIdx)
	binary.LittleEndian.PutUint16(buf[10:12], h.RadioLinkPacketIndex)
	binary.LittleEndian.PutUint32(buf[12:16], h.VehicleIDSrc)
	binary.LittleEndian.PutUint32(buf[16:20], h.VehicleIDDest)
	binary.LittleEndian.PutUint16(buf[20:22], h.TotalLength)
	return nil
}

// DecodeHeader reads a header from the start of data
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	return Header{
		CRC:                  binary.LittleEndian.Uint32(data[0:4]),
		Flags:                data[4],
		Type:                 PacketTypeID(data[5]),
		StreamPacketIdx:      binary.LittleEndian.Uint32(data[6:10]),
		RadioLinkPacketIndex: binary.LittleEndian.Uint16(data[10:12]),
		VehicleIDSrc:         binary.LittleEndian.Uint32(data[12:16]),
		VehicleIDDest:        binary.LittleEndian.Uint32(data[16:20]),
		TotalLength:          binary.LittleEndian.Uint16(data[20:22]),
	}, nil
}

// Build allocates a packet with the given header and payload.
// TotalLength is set from the payload size.
func Build(h Header, payload []byte) ([]byte, error) {
	total := HeaderSize + len(payload)
	if total > MaxPacketPayload {
		return nil, ErrBadLength
	}
	h.TotalLength = uint16(total)
	buf := make([]byte, total)
	if err := h.Encode(buf); err != nil {
		return nil, err
	}
	copy(buf[HeaderSize:], payload)
	return buf, nil
}
