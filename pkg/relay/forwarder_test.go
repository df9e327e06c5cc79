package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rubyfpv/radiolink/pkg/packet"
	"github.com/rubyfpv/radiolink/pkg/radio"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// --- Test Helpers ---

const (
	relayedID    uint32 = 200
	foreignID    uint32 = 300
	relayLink           = 0
	controlLink         = 1
	relayIface          = 10
	controlIface        = 11
)

type write struct {
	iface int
	frame radio.Frame
}

type recordingOutput struct {
	writes []write
	fail   map[int]bool
}

func (o *recordingOutput) Write(ifaceIndex int, raw []byte) error {
	if o.fail[ifaceIndex] {
		return errors.New("tx queue full")
	}
	f, err := radio.ParseFrame(append([]byte(nil), raw...))
	if err != nil {
		return err
	}
	o.writes = append(o.writes, write{iface: ifaceIndex, frame: f})
	return nil
}

// tb is the part of testing.TB that *rapid.T also provides
type tb interface {
	Helper()
	Fatalf(format string, args ...any)
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type forwarderHelper struct {
	vc    *VehicleContext
	out   *recordingOutput
	clock *fakeClock
	fwd   *Forwarder
}

func newForwarderHelper(t *testing.T) *forwarderHelper {
	t.Helper()
	mcs := radio.FlagUseMCSDatarates | radio.FlagMCSBandwidth40 | radio.FlagMCSShortGI | radio.FlagMCSLDPC
	vc := &VehicleContext{
		LocalVehicleID: 100,
		ControllerID:   1,
		Relay: &Session{
			RelayedVehicleID: relayedID,
			RelayLinkID:      relayLink,
			CapabilityFlags:  CapTransportTelemetry,
			Mode:             ModeIsRelayNode | ModeMain,
		},
		Links: []radio.LinkParams{
			{LinkID: relayLink, CapabilityFlags: radio.LinkCapCanTX | radio.LinkCapCanRX, DatarateVideoBPS: 12000000, DatarateDataBPS: 2000000, RadioFlags: mcs},
			{LinkID: controlLink, CapabilityFlags: radio.LinkCapCanTX | radio.LinkCapCanRX, DatarateVideoBPS: 18000000, DatarateDataBPS: 6000000, RadioFlags: mcs},
		},
		Interfaces: []radio.InterfaceParams{
			{Index: relayIface, Name: "wlan0", LinkID: relayLink, CapabilityFlags: radio.IfaceCapCanTX | radio.IfaceCapCanRX | radio.IfaceCapApplyMCSFlagsOnVehicle},
			{Index: controlIface, Name: "wlan1", LinkID: controlLink, CapabilityFlags: radio.IfaceCapCanTX | radio.IfaceCapCanRX},
		},
	}
	vc.RecomputeRelayFlags()

	h := &forwarderHelper{
		vc:    vc,
		out:   &recordingOutput{fail: map[int]bool{}},
		clock: &fakeClock{t: time.Unix(1700000000, 0)},
	}
	h.fwd = NewForwarder(vc, h.out, WithClock(h.clock.Now))
	return h
}

func pkt(t tb, pt packet.PacketType, src uint32, payload []byte) []byte {
	t.Helper()
	p, err := packet.Build(packet.Header{Flags: pt.Module, Type: pt.TypeID, VehicleIDSrc: src, VehicleIDDest: 1}, payload)
	if err != nil {
		t.Fatalf("build packet: %v", err)
	}
	return p
}

func pingReply(t tb, src uint32) []byte {
	return pkt(t, packet.PacketTypePingClockReply, src, packet.EncodePingClockReply(packet.PingClockReply{
		PingID:      9,
		RadioLinkID: 0,
		Reserved:    0x01020304,
	}))
}

// --- State Machine ---

func TestSessionStateMachine(t *testing.T) {
	vc := &VehicleContext{}
	fwd := NewForwarder(vc, &recordingOutput{})
	require.Equal(t, StateDisabled, vc.Relay.State())

	require.NoError(t, fwd.OnRelayParamsChanged(context.Background(), Params{RelayedVehicleID: relayedID, RelayLinkID: 0}))
	require.Equal(t, StateAwaitingFirstData, vc.Relay.State())

	fwd.ProcessReceivedFromRelayedVehicle(0, pkt(t, packet.PacketTypeFCTelemetry, relayedID, nil))
	require.Equal(t, StateActive, vc.Relay.State())

	// Same id keeps the session active
	require.NoError(t, fwd.OnRelayParamsChanged(context.Background(), Params{RelayedVehicleID: relayedID, RelayLinkID: 0, Mode: ModeRemote}))
	require.Equal(t, StateActive, vc.Relay.State())

	require.NoError(t, fwd.OnRelayParamsChanged(context.Background(), Params{RelayedVehicleID: foreignID, RelayLinkID: 0}))
	require.Equal(t, StateAwaitingFirstData, vc.Relay.State())

	// A packet from the old vehicle does not arm the latch for the new one
	fwd.ProcessReceivedFromRelayedVehicle(0, pkt(t, packet.PacketTypeFCTelemetry, relayedID, nil))
	require.Equal(t, StateAwaitingFirstData, vc.Relay.State())
	fwd.ProcessReceivedFromRelayedVehicle(0, pkt(t, packet.PacketTypeFCTelemetry, foreignID, nil))
	require.Equal(t, StateActive, vc.Relay.State())

	require.NoError(t, fwd.OnRelayParamsChanged(context.Background(), Params{RelayedVehicleID: foreignID, RelayLinkID: -1}))
	require.Equal(t, StateDisabled, vc.Relay.State())
	require.Equal(t, "disabled", vc.Relay.State().String())

	fwd.OnRelayedVehicleIDChanged(VehicleIDBroadcast)
	require.False(t, vc.Relay.Enabled())
}

func TestRelayDisabledDropsEverything(t *testing.T) {
	h := newForwarderHelper(t)
	h.vc.Relay.RelayLinkID = -1

	res := h.fwd.ProcessReceivedFromRelayedVehicle(relayIface, pkt(t, packet.PacketTypeFCTelemetry, relayedID, nil))
	require.Equal(t, VerdictDrop, res.Verdict)
	require.Equal(t, ReasonRelayDisabled, res.Reason)

	res = h.fwd.ProcessReceivedFromControllerToRelayedVehicle(controlIface, pkt(t, packet.PacketTypeCommand, 1, nil))
	require.Equal(t, ReasonRelayDisabled, res.Reason)
	require.Empty(t, h.out.writes)
}

// --- Downlink Path ---

func TestForwardsValidFrameIntact(t *testing.T) {
	h := newForwarderHelper(t)
	frame := packet.Compose(
		pkt(t, packet.PacketTypeRubyTelemetryShort, relayedID, []byte{1, 2, 3}),
		pkt(t, packet.PacketTypeTelemetryMSP, relayedID, []byte{4, 5}),
	)
	want := append([]byte(nil), frame...)

	res := h.fwd.ProcessReceivedFromRelayedVehicle(relayIface, frame)
	require.Equal(t, VerdictForward, res.Verdict)
	require.Equal(t, 1, res.Forwarded)

	require.Len(t, h.out.writes, 1)
	w := h.out.writes[0]
	require.Equal(t, controlIface, w.iface)
	require.Equal(t, radio.RouterDownlink, w.frame.Direction)
	require.Equal(t, want, w.frame.Payload)
	require.Equal(t, int32(6000000), w.frame.Datarate)
	// The controller interface may not apply MCS flags
	require.Equal(t, radio.FlagUseMCSDatarates|radio.FlagMCSBandwidth20, w.frame.Flags)

	require.Equal(t, uint64(1), h.fwd.Stats().FramesToController)
}

func TestForeignSubPacketPoisonsFrame(t *testing.T) {
	h := newForwarderHelper(t)
	frame := packet.Compose(
		pkt(t, packet.PacketTypeFCTelemetry, relayedID, nil),
		pkt(t, packet.PacketTypeFCTelemetry, foreignID, nil),
		pkt(t, packet.PacketTypePingClockReply, relayedID, make([]byte, packet.PingReplyPayloadSize)),
	)

	res := h.fwd.ProcessReceivedFromRelayedVehicle(relayIface, frame)
	require.Equal(t, VerdictDrop, res.Verdict)
	require.Equal(t, ReasonOriginMismatch, res.Reason)
	require.Equal(t, 1, res.Dropped)
	require.Empty(t, h.out.writes)
}

func TestOriginFailClosedProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h := newForwarderHelper(t)
		h.vc.Relay.CapabilityFlags = CapTransportTelemetry | CapTransportVideo | CapTransportCommands
		h.vc.Relay.Mode = ModeRemote

		types := []packet.PacketType{
			packet.PacketTypeFCTelemetry,
			packet.PacketTypeVideoDataFull,
			packet.PacketTypeAudioSegment,
			packet.PacketTypePingClockReply,
			packet.PacketTypePairingRequest,
			packet.PacketTypeCommandResponse,
		}
		n := rapid.IntRange(0, 6).Draw(rt, "valid")
		var units [][]byte
		for i := 0; i < n; i++ {
			pt := rapid.SampledFrom(types).Draw(rt, "type")
			payload := rapid.SliceOfN(rapid.Byte(), packet.PingReplyPayloadSize, 40).Draw(rt, "payload")
			units = append(units, pkt(rt, pt, relayedID, payload))
		}
		bad := rapid.Uint32().Filter(func(id uint32) bool { return id != relayedID }).Draw(rt, "foreign")
		at := rapid.IntRange(0, n).Draw(rt, "at")
		foreign := pkt(rt, rapid.SampledFrom(types).Draw(rt, "foreignType"), bad, make([]byte, packet.PingReplyPayloadSize))
		units = append(units[:at], append([][]byte{foreign}, units[at:]...)...)

		frame := packet.Compose(units...)
		before := append([]byte(nil), frame...)
		res := h.fwd.ProcessReceivedFromRelayedVehicle(relayIface, frame)
		if res.Verdict != VerdictDrop || res.Reason != ReasonOriginMismatch {
			rt.Fatalf("frame with foreign sub-packet got %v/%v", res.Verdict, res.Reason)
		}
		if len(h.out.writes) != 0 {
			rt.Fatalf("frame with foreign sub-packet was written")
		}
		if string(before) != string(frame) {
			rt.Fatalf("dropped frame was modified")
		}
	})
}

func TestOriginMismatchLogIsRateLimited(t *testing.T) {
	h := newForwarderHelper(t)
	bad := pkt(t, packet.PacketTypeFCTelemetry, foreignID, nil)

	for i := 0; i < 5; i++ {
		h.fwd.ProcessReceivedFromRelayedVehicle(relayIface, bad)
		h.clock.Advance(300 * time.Millisecond)
	}
	require.Equal(t, uint64(5), h.fwd.Stats().OriginMismatches)
	require.Equal(t, uint64(1), h.fwd.Stats().OriginMismatchLogs)

	h.clock.Advance(time.Second)
	h.fwd.ProcessReceivedFromRelayedVehicle(relayIface, bad)
	require.Equal(t, uint64(2), h.fwd.Stats().OriginMismatchLogs)
}

func TestMalformedFrameIsDropped(t *testing.T) {
	h := newForwarderHelper(t)
	frame := pkt(t, packet.PacketTypeFCTelemetry, relayedID, []byte{1, 2, 3, 4})
	res := h.fwd.ProcessReceivedFromRelayedVehicle(relayIface, frame[:len(frame)-1])
	require.Equal(t, ReasonMalformed, res.Reason)
	require.Empty(t, h.out.writes)
}

func TestCapabilityGating(t *testing.T) {
	cases := []struct {
		name    string
		pt      packet.PacketType
		extra   []packet.PacketType
		caps    uint32
		mode    uint8
		forward bool
	}{
		{"VideoNoCaps", packet.PacketTypeVideoDataFull, nil, 0, ModeRemote, false},
		{"VideoCapsMain", packet.PacketTypeVideoDataFull, nil, CapTransportVideo, ModeMain, false},
		{"VideoCapsRemote", packet.PacketTypeVideoDataFull, nil, CapTransportVideo, ModeRemote, true},
		{"AudioCapsRemote", packet.PacketTypeAudioSegment, nil, CapTransportVideo, ModeRemote, true},
		{"AudioTelemetryCaps", packet.PacketTypeAudioSegment, nil, CapTransportTelemetry, ModeRemote, false},
		{"HeartbeatNoCaps", packet.PacketTypeRubyTelemetryExtended, nil, 0, ModeMain, true},
		{"FCHeartbeatNoCaps", packet.PacketTypeFCTelemetryExtended, nil, 0, ModeMain, true},
		{"MSPNoCaps", packet.PacketTypeTelemetryMSP, nil, 0, ModeMain, false},
		{"MSPTelemetryCaps", packet.PacketTypeTelemetryMSP, nil, CapTransportTelemetry, ModeMain, true},
		{"CommandNoCaps", packet.PacketTypeCommandResponse, nil, CapTransportTelemetry, ModeMain, false},
		{"CommandCaps", packet.PacketTypeCommandResponse, nil, CapTransportCommands, ModeMain, true},
		{"PairingNoCaps", packet.PacketTypePairingConfirmation, nil, 0, ModeMain, true},
		{"KeyframeAckNoCaps", packet.PacketTypeVideoSwitchKeyframeAck, nil, 0, ModeMain, true},
		{"AdaptiveAckNoCaps", packet.PacketTypeVideoSwitchToAdaptiveLevelAck, nil, 0, ModeMain, true},
		{"PingNoCaps", packet.PacketTypePingClock, nil, 0, ModeMain, true},
		{"ModelSettingsNoCaps", packet.PacketTypeModelSettings, nil, CapTransportTelemetry | CapTransportVideo, ModeRemote, false},
		{"HeartbeatWithGatedVideo", packet.PacketTypeFCTelemetry, []packet.PacketType{packet.PacketTypeVideoDataFull}, CapTransportTelemetry, ModeIsRelayNode | ModeMain, false},
		{"HeartbeatWithGatedAudio", packet.PacketTypeRubyTelemetryShort, []packet.PacketType{packet.PacketTypeAudioSegment}, CapTransportTelemetry, ModeRemote, false},
		{"HeartbeatWithAllowedVideo", packet.PacketTypeFCTelemetry, []packet.PacketType{packet.PacketTypeVideoDataFull}, CapTransportVideo, ModeRemote, true},
		{"HeartbeatWithKeyframeAck", packet.PacketTypeFCTelemetry, []packet.PacketType{packet.PacketTypeVideoSwitchKeyframeAck}, 0, ModeMain, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newForwarderHelper(t)
			h.vc.Relay.CapabilityFlags = tc.caps
			h.vc.Relay.Mode = tc.mode

			frame := pkt(t, tc.pt, relayedID, []byte{0xaa})
			for _, pt := range tc.extra {
				frame = packet.Compose(frame, pkt(t, pt, relayedID, make([]byte, 100)))
			}
			res := h.fwd.ProcessReceivedFromRelayedVehicle(relayIface, frame)
			if tc.forward {
				require.Equal(t, VerdictForward, res.Verdict)
				require.Len(t, h.out.writes, 1)
			} else {
				require.Equal(t, ReasonNotForwardable, res.Reason)
				require.Empty(t, h.out.writes)
			}
		})
	}
}

func TestGatedMediaNeverReachesController(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h := newForwarderHelper(t)
		h.vc.Relay.CapabilityFlags = CapTransportTelemetry | CapTransportCommands
		h.vc.Relay.Mode = rapid.SampledFrom([]uint8{ModeMain, ModeRemote, ModeIsRelayNode | ModeMain}).Draw(rt, "mode")

		allowed := []packet.PacketType{
			packet.PacketTypeFCTelemetry,
			packet.PacketTypeRubyTelemetryShort,
			packet.PacketTypePairingRequest,
			packet.PacketTypeCommandResponse,
			packet.PacketTypeVideoSwitchKeyframeAck,
		}
		media := []packet.PacketType{packet.PacketTypeVideoDataFull, packet.PacketTypeAudioSegment}

		var units [][]byte
		for i, n := 0, rapid.IntRange(0, 5).Draw(rt, "allowed"); i < n; i++ {
			units = append(units, pkt(rt, rapid.SampledFrom(allowed).Draw(rt, "type"), relayedID, []byte{1, 2}))
		}
		at := rapid.IntRange(0, len(units)).Draw(rt, "at")
		gated := pkt(rt, rapid.SampledFrom(media).Draw(rt, "media"), relayedID, make([]byte, 64))
		units = append(units[:at], append([][]byte{gated}, units[at:]...)...)

		res := h.fwd.ProcessReceivedFromRelayedVehicle(relayIface, packet.Compose(units...))
		if res.Verdict != VerdictDrop || res.Reason != ReasonNotForwardable {
			rt.Fatalf("frame with gated media got %v/%v", res.Verdict, res.Reason)
		}
		if len(h.out.writes) != 0 {
			rt.Fatalf("frame with gated media was written")
		}
	})
}

func TestInjectedVideoPolicy(t *testing.T) {
	h := newForwarderHelper(t)
	h.vc.Relay.CapabilityFlags = CapTransportVideo
	h.vc.Relay.Mode = ModeMain
	h.vc.MustForwardRelayedVideo = func(mode uint8) bool { return mode&ModeMain != 0 }

	res := h.fwd.ProcessReceivedFromRelayedVehicle(relayIface, pkt(t, packet.PacketTypeVideoDataFull, relayedID, []byte{1}))
	require.Equal(t, VerdictForward, res.Verdict)
	require.Equal(t, int32(18000000), h.out.writes[0].frame.Datarate)
}

func TestPingReplyPatch(t *testing.T) {
	h := newForwarderHelper(t)

	res := h.fwd.ProcessReceivedFromControllerToRelayedVehicle(controlIface, pkt(t, packet.PacketTypePingClock, 1, []byte{9, 0}))
	require.Equal(t, VerdictForward, res.Verdict)
	require.Equal(t, controlLink, h.fwd.LastPingLinkID())

	reply := pingReply(t, relayedID)
	frame := packet.Compose(pkt(t, packet.PacketTypeFCTelemetry, relayedID, []byte{7}), reply)
	before := append([]byte(nil), frame...)

	res = h.fwd.ProcessReceivedFromRelayedVehicle(relayIface, frame)
	require.Equal(t, VerdictForward, res.Verdict)

	got := h.out.writes[len(h.out.writes)-1].frame.Payload
	require.Len(t, got, len(before))
	patchAt := len(before) - 1
	for i := range before {
		if i == patchAt {
			require.Equal(t, byte(controlLink), got[i])
			continue
		}
		require.Equal(t, before[i], got[i], "byte %d changed", i)
	}
	require.Equal(t, uint64(1), h.fwd.Stats().PingRepliesPatched)
}

func TestPingReplyPatchRestampsCRC(t *testing.T) {
	h := newForwarderHelper(t)
	h.fwd.ProcessReceivedFromControllerToRelayedVehicle(controlIface, pkt(t, packet.PacketTypePingClock, 1, []byte{9, 0}))

	reply := pingReply(t, relayedID)
	packet.StampCRC(reply)
	plain := pkt(t, packet.PacketTypeFCTelemetry, relayedID, []byte{7})
	frame := packet.Compose(plain, reply)

	res := h.fwd.ProcessReceivedFromRelayedVehicle(relayIface, frame)
	require.Equal(t, VerdictForward, res.Verdict)

	got := h.out.writes[len(h.out.writes)-1].frame.Payload
	patched := got[len(plain):]
	require.Equal(t, byte(controlLink), patched[len(patched)-1])
	require.True(t, packet.CheckCRC(patched))
	require.NotEqual(t, reply[:4], patched[:4])
	// Packets without a CRC are left alone
	require.Equal(t, plain, got[:len(plain)])
}

func TestPingReplyUntouchedWithoutPing(t *testing.T) {
	h := newForwarderHelper(t)
	reply := pingReply(t, relayedID)
	reply[len(reply)-1] = 0x5a
	before := append([]byte(nil), reply...)

	res := h.fwd.ProcessReceivedFromRelayedVehicle(relayIface, reply)
	require.Equal(t, VerdictForward, res.Verdict)
	require.Equal(t, before, h.out.writes[0].frame.Payload)
}

// --- Uplink and Fan-out ---

func TestUplinkUsesRelayLinkOnly(t *testing.T) {
	h := newForwarderHelper(t)
	cmd := pkt(t, packet.PacketTypeCommand, 1, []byte("arm"))

	res := h.fwd.ProcessReceivedFromControllerToRelayedVehicle(controlIface, cmd)
	require.Equal(t, VerdictForward, res.Verdict)
	require.Len(t, h.out.writes, 1)

	w := h.out.writes[0]
	require.Equal(t, relayIface, w.iface)
	require.Equal(t, radio.RouterUplink, w.frame.Direction)
	require.Equal(t, int32(2000000), w.frame.Datarate)
	// The relay interface is allowed to keep its MCS flags
	require.Equal(t, h.vc.Links[relayLink].RadioFlags, w.frame.Flags)
	require.Equal(t, cmd, w.frame.Payload)
	require.Equal(t, -1, h.fwd.LastPingLinkID())
}

func TestFanOutSkipsIneligibleLinks(t *testing.T) {
	h := newForwarderHelper(t)
	h.vc.Links = append(h.vc.Links,
		radio.LinkParams{LinkID: 2, CapabilityFlags: radio.LinkCapCanTX | radio.LinkCapDisabled},
		radio.LinkParams{LinkID: 3, CapabilityFlags: radio.LinkCapCanRX},
		radio.LinkParams{LinkID: 4, CapabilityFlags: radio.LinkCapCanTX},
	)
	h.vc.Interfaces = append(h.vc.Interfaces,
		radio.InterfaceParams{Index: 12, LinkID: 2, CapabilityFlags: radio.IfaceCapCanTX},
		radio.InterfaceParams{Index: 13, LinkID: 3, CapabilityFlags: radio.IfaceCapCanTX},
		radio.InterfaceParams{Index: 14, LinkID: 4, CapabilityFlags: radio.IfaceCapCanTX | radio.IfaceCapDisabled},
		radio.InterfaceParams{Index: 15, LinkID: 4, CapabilityFlags: radio.IfaceCapCanTX},
	)

	require.NoError(t, h.fwd.SendPacketToController(pkt(t, packet.PacketTypeFCTelemetry, 100, nil)))
	var ifaces []int
	for _, w := range h.out.writes {
		ifaces = append(ifaces, w.iface)
	}
	require.Equal(t, []int{controlIface, 15}, ifaces)
}

func TestSendFailures(t *testing.T) {
	h := newForwarderHelper(t)
	h.out.fail[controlIface] = true

	err := h.fwd.SendPacketToController(pkt(t, packet.PacketTypeFCTelemetry, 100, nil))
	require.ErrorIs(t, err, ErrSendFailed)

	res := h.fwd.ProcessReceivedFromRelayedVehicle(relayIface, pkt(t, packet.PacketTypeFCTelemetry, relayedID, nil))
	require.Equal(t, ReasonSendFailed, res.Reason)
	require.Equal(t, uint64(1), h.fwd.Stats().SendFailures)

	h.vc.Links[relayLink].CapabilityFlags |= radio.LinkCapDisabled
	err = h.fwd.SendSinglePacketToRelayedVehicle(pkt(t, packet.PacketTypeCommand, 1, nil))
	require.ErrorIs(t, err, ErrNoEligibleLink)

	res = h.fwd.ProcessReceivedFromControllerToRelayedVehicle(controlIface, pkt(t, packet.PacketTypeCommand, 1, nil))
	require.Equal(t, ReasonNoEligibleLink, res.Reason)
}

// --- Events ---

type recordingReconfigurer struct {
	calls    []string
	failStop bool
	failNote bool
	notified Session
}

func (r *recordingReconfigurer) StopRX(context.Context) error {
	r.calls = append(r.calls, "stop")
	if r.failStop {
		return errors.New("stop failed")
	}
	return nil
}

func (r *recordingReconfigurer) Persist(_ context.Context, vc *VehicleContext) error {
	r.calls = append(r.calls, "persist")
	return nil
}

func (r *recordingReconfigurer) ApplyRadioConfig(context.Context, *VehicleContext) error {
	r.calls = append(r.calls, "apply")
	return nil
}

func (r *recordingReconfigurer) StartRX(context.Context) error {
	r.calls = append(r.calls, "start")
	return nil
}

func (r *recordingReconfigurer) NotifyRelayParamsChanged(_ context.Context, s Session) error {
	r.calls = append(r.calls, "notify")
	r.notified = s
	if r.failNote {
		return errors.New("notify failed")
	}
	return nil
}

func TestOnRelayParamsChanged(t *testing.T) {
	h := newForwarderHelper(t)
	rec := &recordingReconfigurer{}
	h.fwd = NewForwarder(h.vc, h.out, WithClock(h.clock.Now), WithReconfigurer(rec))

	err := h.fwd.OnRelayParamsChanged(context.Background(), Params{
		RelayedVehicleID: foreignID,
		RelayLinkID:      controlLink,
		CapabilityFlags:  CapTransportVideo,
		Mode:             ModeRemote,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"stop", "persist", "apply", "start", "notify"}, rec.calls)
	require.Equal(t, foreignID, rec.notified.RelayedVehicleID)

	require.False(t, h.vc.Links[relayLink].Has(radio.LinkCapUsedForRelay))
	require.True(t, h.vc.Links[controlLink].Has(radio.LinkCapUsedForRelay))
	require.False(t, h.vc.Interfaces[0].Has(radio.IfaceCapUsedForRelay))
	require.True(t, h.vc.Interfaces[1].Has(radio.IfaceCapUsedForRelay))
	require.Equal(t, StateAwaitingFirstData, h.vc.Relay.State())
}

func TestOnRelayParamsChangedAggregatesErrors(t *testing.T) {
	h := newForwarderHelper(t)
	rec := &recordingReconfigurer{failStop: true, failNote: true}
	h.fwd = NewForwarder(h.vc, h.out, WithReconfigurer(rec))

	err := h.fwd.OnRelayParamsChanged(context.Background(), Params{RelayedVehicleID: relayedID, RelayLinkID: relayLink})
	require.Error(t, err)
	require.Contains(t, err.Error(), "stop failed")
	require.Contains(t, err.Error(), "notify failed")
	require.Equal(t, []string{"stop", "persist", "apply", "start", "notify"}, rec.calls)
}

func TestOnRelayModeChanged(t *testing.T) {
	h := newForwarderHelper(t)
	h.vc.Relay.CapabilityFlags = 0

	h.fwd.ProcessReceivedFromRelayedVehicle(relayIface, pkt(t, packet.PacketTypeVideoSwitchKeyframeAck, relayedID, nil))
	require.Equal(t, uint64(1), h.fwd.Stats().KeyframeAcksForwarded)
	require.False(t, h.fwd.KeyframeGraceActive())

	h.fwd.OnRelayModeChanged(ModeIsRelayNode | ModeRemote)
	require.Equal(t, ModeIsRelayNode|ModeRemote, h.vc.Relay.Mode)
	require.Zero(t, h.fwd.Stats().KeyframeAcksForwarded)
	require.True(t, h.fwd.KeyframeGraceActive())

	h.clock.Advance(KeyframeGracePeriod)
	require.False(t, h.fwd.KeyframeGraceActive())
}

func TestOnRelayFlagsChanged(t *testing.T) {
	h := newForwarderHelper(t)
	h.fwd.OnRelayFlagsChanged(CapTransportVideo | CapTransportTelemetry)
	require.True(t, h.vc.Relay.Has(CapTransportVideo))
	require.Equal(t, StateAwaitingFirstData, h.vc.Relay.State())
}
