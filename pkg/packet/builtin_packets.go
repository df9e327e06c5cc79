// This file defines the builtin radio packet types and the payload codecs the
// relay and the transmit ring need to understand.
package packet

import (
	"encoding/binary"
	"errors"
)

// Builtin packet types
var (
	PacketTypeUnknown = PacketType{TypeID: 0, Name: "Unknown"}

	PacketTypePairingRequest      = PacketType{TypeID: 1, Name: "PAIRING_REQUEST", Module: ModuleRuby}
	PacketTypePairingConfirmation = PacketType{TypeID: 2, Name: "PAIRING_CONFIRMATION", Module: ModuleRuby}
	PacketTypePingClock           = PacketType{TypeID: 3, Name: "RUBY_PING_CLOCK", Module: ModuleRuby}
	PacketTypePingClockReply      = PacketType{TypeID: 4, Name: "RUBY_PING_CLOCK_REPLY", Module: ModuleRuby}
	PacketTypeModelSettings       = PacketType{TypeID: 5, Name: "RUBY_MODEL_SETTINGS", Module: ModuleRuby}

	PacketTypeRubyTelemetryExtended = PacketType{TypeID: 20, Name: "RUBY_TELEMETRY_EXTENDED", Module: ModuleTelemetry}
	PacketTypeRubyTelemetryShort    = PacketType{TypeID: 21, Name: "RUBY_TELEMETRY_SHORT", Module: ModuleTelemetry}
	PacketTypeFCTelemetry           = PacketType{TypeID: 22, Name: "FC_TELEMETRY", Module: ModuleTelemetry}
	PacketTypeFCTelemetryExtended   = PacketType{TypeID: 23, Name: "FC_TELEMETRY_EXTENDED", Module: ModuleTelemetry}
	PacketTypeTelemetryRawDownload  = PacketType{TypeID: 24, Name: "TELEMETRY_RAW_DOWNLOAD", Module: ModuleTelemetry}
	PacketTypeTelemetryMSP          = PacketType{TypeID: 25, Name: "TELEMETRY_MSP", Module: ModuleTelemetry}

	PacketTypeVideoDataFull                 = PacketType{TypeID: 40, Name: "VIDEO_DATA_FULL", Module: ModuleVideo}
	PacketTypeVideoSwitchToAdaptiveLevelAck = PacketType{TypeID: 41, Name: "VIDEO_SWITCH_TO_ADAPTIVE_VIDEO_LEVEL_ACK", Module: ModuleVideo}
	PacketTypeVideoSwitchKeyframeAck        = PacketType{TypeID: 42, Name: "VIDEO_SWITCH_VIDEO_KEYFRAME_TO_VALUE_ACK", Module: ModuleVideo}
	PacketTypeVideoRetransmissionRequest    = PacketType{TypeID: 43, Name: "VIDEO_REQ_MULTIPLE_PACKETS", Module: ModuleVideo}

	PacketTypeAudioSegment = PacketType{TypeID: 60, Name: "AUDIO_SEGMENT", Module: ModuleAudio}

	PacketTypeCommand         = PacketType{TypeID: 70, Name: "COMMAND", Module: ModuleCommands}
	PacketTypeCommandResponse = PacketType{TypeID: 71, Name: "COMMAND_RESPONSE", Module: ModuleCommands}
)

var builtinPacketTypes = []PacketType{
	PacketTypePairingRequest,
	PacketTypePairingConfirmation,
	PacketTypePingClock,
	PacketTypePingClockReply,
	PacketTypeModelSettings,
	PacketTypeRubyTelemetryExtended,
	PacketTypeRubyTelemetryShort,
	PacketTypeFCTelemetry,
	PacketTypeFCTelemetryExtended,
	PacketTypeTelemetryRawDownload,
	PacketTypeTelemetryMSP,
	PacketTypeVideoDataFull,
	PacketTypeVideoSwitchToAdaptiveLevelAck,
	PacketTypeVideoSwitchKeyframeAck,
	PacketTypeVideoRetransmissionRequest,
	PacketTypeAudioSegment,
	PacketTypeCommand,
	PacketTypeCommandResponse,
}

// Ping clock reply payload: [pingId(1B)][radioLinkId(1B)][reserved(4B)][relayPatchedLinkId(1B)]
const (
	PingReplyPayloadSize     = 7
	pingReplyRelayLinkOffset = HeaderSize + PingReplyPayloadSize - 1
)

// PingClockReply is the decoded ping clock reply payload
type PingClockReply struct {
	PingID             uint8
	RadioLinkID        uint8
	Reserved           uint32
	RelayPatchedLinkID uint8
}

// DecodePingClockReply reads the payload of a RUBY_PING_CLOCK_REPLY packet
func DecodePingClockReply(pkt []byte) (PingClockReply, error) {
	if len(pkt) < HeaderSize+PingReplyPayloadSize {
		return PingClockReply{}, errors.New("data too short for ping clock reply")
	}
	p := pkt[HeaderSize:]
	return PingClockReply{
		PingID:             p[0],
		RadioLinkID:        p[1],
		Reserved:           binary.LittleEndian.Uint32(p[2:6]),
		RelayPatchedLinkID: p[6],
	}, nil
}

// EncodePingClockReply serializes the ping clock reply payload
func EncodePingClockReply(r PingClockReply) []byte {
	buf := make([]byte, PingReplyPayloadSize)
	buf[0] = r.PingID
	buf[1] = r.RadioLinkID
	binary.LittleEndian.PutUint32(buf[2:6], r.Reserved)
	buf[6] = r.RelayPatchedLinkID
	return buf
}

// PatchPingReplyRelayLink overwrites, in place, the relay link id byte of a
// ping clock reply. Nothing else in the packet is touched.
func PatchPingReplyRelayLink(pkt []byte, linkID uint8) bool {
	if len(pkt) <= pingReplyRelayLinkOffset {
		return false
	}
	pkt[pingReplyRelayLinkOffset] = linkID
	return true
}

// PacketRef addresses a packet produced by the transmit ring
type PacketRef struct {
	BlockIndex  uint32
	PacketIndex uint8
}

// MaxRetransmissionRefs bounds one retransmission request
const MaxRetransmissionRefs = 64

// EncodeRetransmissionRequest serializes a retransmission request payload:
// [Count(1B)] followed by Count x [BlockIndex(4B)][PacketIndex(1B)]
func EncodeRetransmissionRequest(refs []PacketRef) ([]byte, error) {
	if len(refs) == 0 || len(refs) > MaxRetransmissionRefs {
		return nil, errors.New("retransmission request must hold 1..64 packets")
	}
	buf := make([]byte, 1+5*len(refs))
	buf[0] = uint8(len(refs))
	for i, ref := range refs {
		off := 1 + 5*i
		binary.LittleEndian.PutUint32(buf[off:off+4], ref.BlockIndex)
		buf[off+4] = ref.PacketIndex
	}
	return buf, nil
}

// DecodeRetransmissionRequest parses a retransmission request payload
func DecodeRetransmissionRequest(payload []byte) ([]PacketRef, error) {
	if len(payload) < 1 {
		return nil, errors.New("data too short for retransmission request")
	}
	count := int(payload[0])
	if count == 0 || count > MaxRetransmissionRefs {
		return nil, errors.New("invalid retransmission request count")
	}
	if len(payload) < 1+5*count {
		return nil, errors.New("data too short for declared retransmission count")
	}
	refs := make([]PacketRef, count)
	for i := range refs {
		off := 1 + 5*i
		refs[i] = PacketRef{
			BlockIndex:  binary.LittleEndian.Uint32(payload[off : off+4]),
			PacketIndex: payload[off+4],
		}
	}
	return refs, nil
}
