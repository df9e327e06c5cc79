// Package radio models radio links and interfaces and frames raw packets for them.
package radio

import (
	"encoding/binary"
	"errors"

	"github.com/rubyfpv/radiolink/pkg/common"
	"github.com/rubyfpv/radiolink/pkg/packet"
)

// Interface capability flags
const (
	IfaceCapDisabled               uint32 = 1 << 0
	IfaceCapCanTX                  uint32 = 1 << 1
	IfaceCapCanRX                  uint32 = 1 << 2
	IfaceCapUsedForRelay           uint32 = 1 << 3
	IfaceCapApplyMCSFlagsOnVehicle uint32 = 1 << 4
	IfaceCapHighCapacity           uint32 = 1 << 5
)

// Link capability flags share bit positions with the interface flags
const (
	LinkCapDisabled     = IfaceCapDisabled
	LinkCapCanTX        = IfaceCapCanTX
	LinkCapCanRX        = IfaceCapCanRX
	LinkCapUsedForRelay = IfaceCapUsedForRelay
)

// Radio flags applied to a transmission
const (
	FlagUseLegacyDatarates uint32 = 1 << 0
	FlagUseMCSDatarates    uint32 = 1 << 1
	FlagMCSBandwidth20     uint32 = 1 << 2
	FlagMCSBandwidth40     uint32 = 1 << 3
	FlagMCSSTBC            uint32 = 1 << 4
	FlagMCSLDPC            uint32 = 1 << 5
	FlagMCSShortGI         uint32 = 1 << 6

	FlagMCSMask = FlagMCSBandwidth20 | FlagMCSBandwidth40 | FlagMCSSTBC | FlagMCSLDPC | FlagMCSShortGI
)

// NormalizeMCSFlags drops the MCS options and falls back to 20 MHz without
// STBC, LDPC or short guard interval. Non MCS flags are kept.
func NormalizeMCSFlags(flags uint32) uint32 {
	return (flags &^ FlagMCSMask) | FlagMCSBandwidth20
}

// LinkParams is the configuration of one radio link
type LinkParams struct {
	LinkID           int    `yaml:"link_id"`
	CapabilityFlags  uint32 `yaml:"capability_flags"`
	DatarateVideoBPS int32  `yaml:"datarate_video_bps"`
	DatarateDataBPS  int32  `yaml:"datarate_data_bps"`
	RadioFlags       uint32 `yaml:"radio_flags"`
}

// Has reports whether all bits of flag are set on the link
func (lp *LinkParams) Has(flag uint32) bool {
	return lp.CapabilityFlags&flag == flag
}

// DatarateFor picks the video or data datarate for a packet module
func (lp *LinkParams) DatarateFor(module uint8) int32 {
	if module == packet.ModuleVideo {
		return lp.DatarateVideoBPS
	}
	return lp.DatarateDataBPS
}

// InterfaceParams is the configuration of one radio interface. LinkID is -1
// when the interface is not assigned to a link.
type InterfaceParams struct {
	Index           int    `yaml:"index"`
	Name            string `yaml:"name"`
	LinkID          int    `yaml:"link_id"`
	CapabilityFlags uint32 `yaml:"capability_flags"`
}

// Has reports whether all bits of flag are set on the interface
func (ip *InterfaceParams) Has(flag uint32) bool {
	return ip.CapabilityFlags&flag == flag
}

// Direction tags a raw frame with the way it travels
type Direction uint8

const (
	RouterDownlink Direction = 1 // vehicle to controller
	RouterUplink   Direction = 2 // controller to vehicle
)

func (d Direction) String() string {
	switch d {
	case RouterDownlink:
		return "downlink"
	case RouterUplink:
		return "uplink"
	default:
		return "unknown"
	}
}

// FrameHeaderSize is the raw frame prefix
// [Direction(1B)][Datarate(4B)][RadioFlags(4B)][Length(2B)]
const FrameHeaderSize = 11

var (
	ErrShortFrame    = errors.New("raw frame too short")
	ErrFrameTooLarge = errors.New("raw frame payload too large")
)

// Frame is a decoded raw frame
type Frame struct {
	Direction Direction
	Datarate  int32
	Flags     uint32
	Payload   []byte
}

// BuildFrame writes a raw frame into a buffer taken from pool. The caller
// returns the buffer with pool.Put once the frame is written.
func BuildFrame(dir Direction, datarate int32, flags uint32, payload []byte, pool *common.BufferPool) ([]byte, error) {
	if len(payload) > 0xffff {
		return nil, ErrFrameTooLarge
	}
	buf := pool.GetSize(FrameHeaderSize + len(payload))
	buf[0] = byte(dir)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(datarate))
	binary.LittleEndian.PutUint32(buf[5:9], flags)
	binary.LittleEndian.PutUint16(buf[9:11], uint16(len(payload)))
	copy(buf[FrameHeaderSize:], payload)
	return buf, nil
}

// ParseFrame decodes a raw frame. Payload aliases data.
func ParseFrame(data []byte) (Frame, error) {
	if len(data) < FrameHeaderSize {
		return Frame{}, ErrShortFrame
	}
	n := int(binary.LittleEndian.Uint16(data[9:11]))
	if len(data) < FrameHeaderSize+n {
		return Frame{}, ErrShortFrame
	}
	return Frame{
		Direction: Direction(data[0]),
		Datarate:  int32(binary.LittleEndian.Uint32(data[1:5])),
		Flags:     binary.LittleEndian.Uint32(data[5:9]),
		Payload:   data[FrameHeaderSize : FrameHeaderSize+n],
	}, nil
}

// Output writes raw frames on radio interfaces
type Output interface {
	Write(ifaceIndex int, frame []byte) error
}
