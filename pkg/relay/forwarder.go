package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/rubyfpv/radiolink/pkg/common"
	"github.com/rubyfpv/radiolink/pkg/logging"
	"github.com/rubyfpv/radiolink/pkg/packet"
	"github.com/rubyfpv/radiolink/pkg/radio"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// originMismatchLogInterval bounds how often a wrong origin is logged
	originMismatchLogInterval = 2 * time.Second

	// KeyframeGracePeriod is how long keyframes are shown after a relay mode switch
	KeyframeGracePeriod = time.Second
)

var (
	ErrNoEligibleLink = errors.New("no radio link eligible for this direction")
	ErrSendFailed     = errors.New("no radio interface accepted the frame")
)

// Verdict is the outcome of processing a received frame
type Verdict int

const (
	VerdictDrop Verdict = iota
	VerdictForward
)

func (v Verdict) String() string {
	if v == VerdictForward {
		return "forward"
	}
	return "drop"
}

// Reason explains a Verdict
type Reason int

const (
	ReasonNone Reason = iota
	ReasonRelayDisabled
	ReasonMalformed
	ReasonOriginMismatch
	ReasonNotForwardable
	ReasonNoEligibleLink
	ReasonSendFailed
)

var reasonNames = map[Reason]string{
	ReasonNone:           "none",
	ReasonRelayDisabled:  "relay-disabled",
	ReasonMalformed:      "malformed",
	ReasonOriginMismatch: "origin-mismatch",
	ReasonNotForwardable: "not-forwardable",
	ReasonNoEligibleLink: "no-eligible-link",
	ReasonSendFailed:     "send-failed",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "unknown"
}

// Result describes what happened to a received frame
type Result struct {
	Verdict Verdict
	Reason  Reason
	// Forwarded is the number of radio interfaces that accepted the frame
	Forwarded int
	// Dropped is the number of sub-packets rejected for their origin
	Dropped int
}

func drop(reason Reason, dropped int) Result {
	return Result{Verdict: VerdictDrop, Reason: reason, Dropped: dropped}
}

// Stats counts forwarder activity
type Stats struct {
	FramesFromRelayed     uint64
	FramesToController    uint64
	FramesFromController  uint64
	FramesToRelayed       uint64
	OriginMismatches      uint64
	OriginMismatchLogs    uint64
	NotForwardable        uint64
	Malformed             uint64
	SendFailures          uint64
	PingRepliesPatched    uint64
	KeyframeAcksForwarded uint64
}

// Option configures a Forwarder
type Option func(*Forwarder)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(f *Forwarder) { f.now = now }
}

// WithReconfigurer sets the collaborator used by OnRelayParamsChanged
func WithReconfigurer(r Reconfigurer) Option {
	return func(f *Forwarder) { f.reconf = r }
}

// WithBufferPool sets the pool raw frames are built in
func WithBufferPool(pool *common.BufferPool) Option {
	return func(f *Forwarder) { f.pool = pool }
}

// Forwarder moves frames between the controller and the relayed vehicle.
// It is not safe for concurrent use.
type Forwarder struct {
	vc     *VehicleContext
	out    radio.Output
	pool   *common.BufferPool
	reconf Reconfigurer
	now    func() time.Time

	mismatchLog *logging.Limiter

	// local link the last ping from the controller arrived on, -1 if none
	lastPingLinkID int

	keyframeGraceUntil time.Time

	stats Stats
}

// NewForwarder creates a forwarder writing to out
func NewForwarder(vc *VehicleContext, out radio.Output, opts ...Option) *Forwarder {
	if vc.Relay == nil {
		vc.Relay = NewSession()
	}
	f := &Forwarder{
		vc:             vc,
		out:            out,
		now:            time.Now,
		mismatchLog:    logging.NewLimiter(originMismatchLogInterval),
		lastPingLinkID: -1,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.pool == nil {
		f.pool = common.NewBufferPool(radio.FrameHeaderSize + packet.MaxPacketPayload*4)
	}
	return f
}

// Stats returns a snapshot of the forwarder counters
func (f *Forwarder) Stats() Stats {
	return f.stats
}

// LastPingLinkID returns the local link the last controller ping arrived on
func (f *Forwarder) LastPingLinkID() int {
	return f.lastPingLinkID
}

// KeyframeGraceActive reports whether keyframes should still be shown after
// the last relay mode switch
func (f *Forwarder) KeyframeGraceActive() bool {
	return f.now().Before(f.keyframeGraceUntil)
}

// ProcessReceivedFromRelayedVehicle handles a composed frame received from
// the relayed vehicle on ifaceIndex. Every sub-packet must come from the
// relayed vehicle; a single foreign sub-packet blocks the whole frame, as does
// a video or audio sub-packet the relay may not carry. A valid frame is sent to the controller unchanged, except that ping clock
// replies get the local ping link id patched in place.
func (f *Forwarder) ProcessReceivedFromRelayedVehicle(ifaceIndex int, frame []byte) Result {
	s := f.vc.Relay
	if !s.Enabled() {
		return drop(ReasonRelayDisabled, 0)
	}
	f.stats.FramesFromRelayed++
	if s.HasEverReceivedFromRelayedVehicle && s.LastReceivedRelayedVehicleID != s.RelayedVehicleID {
		s.ResetFirstContact()
	}

	var (
		originOK    = true
		forwardable = false
		videoGated  = false
		dropped     = 0
		pingReplies = 0
		keyframes   = 0
	)
	err := packet.Walk(frame, func(pkt []byte, h packet.Header) bool {
		if h.VehicleIDSrc != s.RelayedVehicleID {
			dropped++
			originOK = false
			f.logOriginMismatch(ifaceIndex, h)
			return true
		}
		if !s.HasEverReceivedFromRelayedVehicle {
			s.HasEverReceivedFromRelayedVehicle = true
			logging.Info("Received first data from relayed vehicle",
				zap.Uint32("vehicleID", h.VehicleIDSrc),
				zap.Int("iface", ifaceIndex))
		}
		s.LastReceivedRelayedVehicleID = h.VehicleIDSrc

		switch {
		case f.isForwardable(h):
			forwardable = true
		case isMediaModule(h.ModuleID()):
			videoGated = true
		}
		switch h.Type {
		case packet.PacketTypePingClockReply.TypeID:
			pingReplies++
		case packet.PacketTypeVideoSwitchKeyframeAck.TypeID:
			keyframes++
		}
		return true
	})
	if err != nil {
		f.stats.Malformed++
		logging.Debug("Dropping malformed frame from relayed vehicle",
			zap.Int("iface", ifaceIndex),
			zap.Int("length", len(frame)),
			zap.Error(err))
		return drop(ReasonMalformed, dropped)
	}
	if !originOK {
		f.stats.OriginMismatches++
		return drop(ReasonOriginMismatch, dropped)
	}
	if !forwardable || videoGated {
		f.stats.NotForwardable++
		return drop(ReasonNotForwardable, 0)
	}

	if pingReplies > 0 && f.lastPingLinkID >= 0 {
		f.patchPingReplies(frame)
	}

	n, err := f.fanOut(frame, false)
	if err != nil {
		return f.sendFailure(err)
	}
	f.stats.FramesToController++
	f.stats.KeyframeAcksForwarded += uint64(keyframes)
	return Result{Verdict: VerdictForward, Forwarded: n}
}

// ProcessReceivedFromControllerToRelayedVehicle relays a packet from the
// controller to the relayed vehicle. A ping clock packet records the local
// link it arrived on for patching the matching reply.
func (f *Forwarder) ProcessReceivedFromControllerToRelayedVehicle(ifaceIndex int, pkt []byte) Result {
	if !f.vc.Relay.Enabled() {
		return drop(ReasonRelayDisabled, 0)
	}
	f.stats.FramesFromController++

	err := packet.Walk(pkt, func(_ []byte, h packet.Header) bool {
		if h.Type == packet.PacketTypePingClock.TypeID {
			if iface, ok := f.vc.Interface(ifaceIndex); ok && iface.LinkID >= 0 {
				f.lastPingLinkID = iface.LinkID
			}
		}
		return true
	})
	if err != nil {
		f.stats.Malformed++
		return drop(ReasonMalformed, 0)
	}

	n, err := f.fanOut(pkt, true)
	if err != nil {
		return f.sendFailure(err)
	}
	f.stats.FramesToRelayed++
	return Result{Verdict: VerdictForward, Forwarded: n}
}

// SendPacketToController sends a frame on every link not reserved for relaying
func (f *Forwarder) SendPacketToController(pkt []byte) error {
	_, err := f.fanOut(pkt, false)
	return err
}

// SendSinglePacketToRelayedVehicle sends a packet on the relay link
func (f *Forwarder) SendSinglePacketToRelayedVehicle(pkt []byte) error {
	_, err := f.fanOut(pkt, true)
	return err
}

// isForwardable decides from a sub-packet's type and module whether it is
// worth sending on to the controller
func (f *Forwarder) isForwardable(h packet.Header) bool {
	s := f.vc.Relay
	switch h.Type {
	case packet.PacketTypePairingRequest.TypeID,
		packet.PacketTypePairingConfirmation.TypeID,
		packet.PacketTypeVideoSwitchKeyframeAck.TypeID,
		packet.PacketTypeVideoSwitchToAdaptiveLevelAck.TypeID,
		packet.PacketTypePingClock.TypeID,
		packet.PacketTypePingClockReply.TypeID:
		return true
	case packet.PacketTypeRubyTelemetryExtended.TypeID,
		packet.PacketTypeRubyTelemetryShort.TypeID,
		packet.PacketTypeFCTelemetry.TypeID,
		packet.PacketTypeFCTelemetryExtended.TypeID:
		// heartbeat telemetry keeps the link alive whatever was negotiated
		return true
	}

	switch h.ModuleID() {
	case packet.ModuleVideo, packet.ModuleAudio:
		policy := f.vc.MustForwardRelayedVideo
		if policy == nil {
			policy = ForwardWhenRemote
		}
		return s.Has(CapTransportVideo) && policy(s.Mode)
	case packet.ModuleTelemetry:
		return s.Has(CapTransportTelemetry)
	case packet.ModuleCommands:
		return s.Has(CapTransportCommands)
	}
	return false
}

func isMediaModule(module uint8) bool {
	return module == packet.ModuleVideo || module == packet.ModuleAudio
}

func (f *Forwarder) patchPingReplies(frame []byte) {
	linkID := uint8(f.lastPingLinkID)
	_ = packet.Walk(frame, func(pkt []byte, h packet.Header) bool {
		if h.Type == packet.PacketTypePingClockReply.TypeID && packet.PatchPingReplyRelayLink(pkt, linkID) {
			if h.Flags&packet.FlagHasCRC != 0 {
				packet.StampCRC(pkt)
			}
			f.stats.PingRepliesPatched++
		}
		return true
	})
}

func (f *Forwarder) logOriginMismatch(ifaceIndex int, h packet.Header) {
	ok, suppressed := f.mismatchLog.Allow(f.now())
	if !ok {
		return
	}
	f.stats.OriginMismatchLogs++
	logging.Warn("Received packet from unexpected vehicle on relay link",
		zap.Uint32("vehicleID", h.VehicleIDSrc),
		zap.Uint32("expected", f.vc.Relay.RelayedVehicleID),
		zap.String("type", packet.TypeName(h.Type)),
		zap.Int("iface", ifaceIndex),
		zap.Uint64("suppressed", suppressed))
}

func (f *Forwarder) sendFailure(err error) Result {
	f.stats.SendFailures++
	logging.Warn("Failed to forward relay frame", zap.Error(err))
	if errors.Is(err, ErrNoEligibleLink) {
		return drop(ReasonNoEligibleLink, 0)
	}
	return drop(ReasonSendFailed, 0)
}

// fanOut writes a frame on the first usable interface of every eligible
// link. Links reserved for relaying carry traffic to the relayed vehicle
// only, the others carry traffic to the controller only.
func (f *Forwarder) fanOut(payload []byte, toRelayed bool) (int, error) {
	dir := radio.RouterDownlink
	if toRelayed {
		dir = radio.RouterUplink
	}
	var module uint8
	if h, err := packet.DecodeHeader(payload); err == nil {
		module = h.ModuleID()
	}

	var (
		attempted int
		accepted  int
		errs      error
	)
	for i := range f.vc.Links {
		link := &f.vc.Links[i]
		if link.Has(radio.LinkCapDisabled) || !link.Has(radio.LinkCapCanTX) {
			continue
		}
		if link.Has(radio.LinkCapUsedForRelay) != toRelayed {
			continue
		}
		iface := f.txInterface(link.LinkID)
		if iface == nil {
			continue
		}

		flags := link.RadioFlags
		if !iface.Has(radio.IfaceCapApplyMCSFlagsOnVehicle) {
			flags = radio.NormalizeMCSFlags(flags)
		}
		raw, err := radio.BuildFrame(dir, link.DatarateFor(module), flags, payload, f.pool)
		if err != nil {
			return 0, err
		}
		attempted++
		err = f.out.Write(iface.Index, raw)
		f.pool.Put(raw)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("iface %d: %w", iface.Index, err))
			continue
		}
		accepted++
	}

	if attempted == 0 {
		return 0, ErrNoEligibleLink
	}
	if accepted == 0 {
		return 0, fmt.Errorf("%w: %w", ErrSendFailed, errs)
	}
	if errs != nil {
		logging.Debug("Frame rejected by some radio interfaces", zap.Error(errs))
	}
	return accepted, nil
}

func (f *Forwarder) txInterface(linkID int) *radio.InterfaceParams {
	for i := range f.vc.Interfaces {
		iface := &f.vc.Interfaces[i]
		if iface.LinkID != linkID || iface.Has(radio.IfaceCapDisabled) || !iface.Has(radio.IfaceCapCanTX) {
			continue
		}
		return iface
	}
	return nil
}
