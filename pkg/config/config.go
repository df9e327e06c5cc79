// Package config loads and saves the vehicle model used by the link processes.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rubyfpv/radiolink/pkg/logging"
	"github.com/rubyfpv/radiolink/pkg/radio"
	"github.com/rubyfpv/radiolink/pkg/relay"
	"github.com/rubyfpv/radiolink/pkg/transport"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Model is the persisted vehicle configuration
type Model struct {
	VehicleID    uint32             `yaml:"vehicle_id"`
	ControllerID uint32             `yaml:"controller_id"`
	Ring         RingSection        `yaml:"ring"`
	Relay        RelaySection       `yaml:"relay"`
	Links        []radio.LinkParams `yaml:"links"`
	Interfaces   []InterfaceConfig  `yaml:"interfaces"`
	IPC          IPCSection         `yaml:"ipc"`
	Log          LogSection         `yaml:"log"`
}

// RingSection configures the FEC transmit ring
type RingSection struct {
	MaxBlocks     int           `yaml:"max_blocks"`
	EnableCRC     bool          `yaml:"enable_crc"`
	DataPackets   int           `yaml:"data_packets"`
	ECPackets     int           `yaml:"ec_packets"`
	PacketLength  int           `yaml:"packet_length"`
	MemoryBudget  int           `yaml:"memory_budget"`
	StatsInterval time.Duration `yaml:"stats_interval"`
}

// RelaySection holds the relay parameters
type RelaySection struct {
	RelayedVehicleID uint32 `yaml:"relayed_vehicle_id"`
	RelayLinkID      int    `yaml:"relay_link_id"`
	CapabilityFlags  uint32 `yaml:"capability_flags"`
	Mode             uint8  `yaml:"mode"`
}

// InterfaceConfig is a radio interface plus the UDP endpoints emulating it
type InterfaceConfig struct {
	radio.InterfaceParams `yaml:",inline"`
	Listen                string `yaml:"listen"`
	Peer                  string `yaml:"peer"`
}

// IPCSection lists the local peers notified of relay changes
type IPCSection struct {
	Listen string   `yaml:"listen"`
	Peers  []string `yaml:"peers,omitempty"`
}

// LogSection mirrors logging.Config
type LogSection struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

var (
	ErrNoLinks          = errors.New("config: no radio links")
	ErrDuplicateLink    = errors.New("config: duplicate link id")
	ErrDuplicateIface   = errors.New("config: duplicate interface index")
	ErrUnknownLink      = errors.New("config: interface refers to an unknown link")
	ErrInvalidRelayLink = errors.New("config: relay link id does not exist")
)

// Default returns a single vehicle with one controller link and one relay
// capable link, relaying disabled
func Default() *Model {
	rc := transport.DefaultRingConfig()
	return &Model{
		VehicleID:    100,
		ControllerID: 1,
		Ring: RingSection{
			MaxBlocks:     rc.MaxBlocks,
			EnableCRC:     rc.EnableCRC,
			DataPackets:   rc.DataPackets,
			ECPackets:     rc.ECPackets,
			PacketLength:  rc.PacketLength,
			MemoryBudget:  rc.MemoryBudget,
			StatsInterval: 10 * time.Second,
		},
		Relay: RelaySection{RelayLinkID: -1, CapabilityFlags: relay.CapTransportTelemetry},
		Links: []radio.LinkParams{
			{LinkID: 0, CapabilityFlags: radio.LinkCapCanTX | radio.LinkCapCanRX, DatarateVideoBPS: 18000000, DatarateDataBPS: 6000000, RadioFlags: radio.FlagUseLegacyDatarates},
			{LinkID: 1, CapabilityFlags: radio.LinkCapCanTX | radio.LinkCapCanRX, DatarateVideoBPS: 12000000, DatarateDataBPS: 2000000, RadioFlags: radio.FlagUseLegacyDatarates},
		},
		Interfaces: []InterfaceConfig{
			{InterfaceParams: radio.InterfaceParams{Index: 0, Name: "radio0", LinkID: 0, CapabilityFlags: radio.IfaceCapCanTX | radio.IfaceCapCanRX}, Listen: "127.0.0.1:5600", Peer: "127.0.0.1:5700"},
			{InterfaceParams: radio.InterfaceParams{Index: 1, Name: "radio1", LinkID: 1, CapabilityFlags: radio.IfaceCapCanTX | radio.IfaceCapCanRX}, Listen: "127.0.0.1:5601", Peer: "127.0.0.1:5701"},
		},
		IPC: IPCSection{Listen: "127.0.0.1:5800"},
		Log: LogSection{Level: "info", Format: "console"},
	}
}

// LoadFile reads a model from YAML. Missing fields keep their defaults.
func LoadFile(path string) (*Model, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	m := Default()
	if err := yaml.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// SaveFile writes the model as YAML, replacing path atomically
func (m *Model) SaveFile(path string) error {
	b, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".radiolink-*.yaml")
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("save config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

// Validate checks link and interface references
func (m *Model) Validate() error {
	if len(m.Links) == 0 {
		return ErrNoLinks
	}
	links := make(map[int]bool, len(m.Links))
	for _, l := range m.Links {
		if links[l.LinkID] {
			return fmt.Errorf("%w: %d", ErrDuplicateLink, l.LinkID)
		}
		links[l.LinkID] = true
	}
	ifaces := make(map[int]bool, len(m.Interfaces))
	for _, i := range m.Interfaces {
		if ifaces[i.Index] {
			return fmt.Errorf("%w: %d", ErrDuplicateIface, i.Index)
		}
		ifaces[i.Index] = true
		if i.LinkID >= 0 && !links[i.LinkID] {
			return fmt.Errorf("%w: interface %d link %d", ErrUnknownLink, i.Index, i.LinkID)
		}
	}
	if m.Relay.RelayLinkID >= 0 && !links[m.Relay.RelayLinkID] {
		return fmt.Errorf("%w: %d", ErrInvalidRelayLink, m.Relay.RelayLinkID)
	}
	return nil
}

// ApplyEnv overrides fields from RADIOLINK_* environment variables.
// Malformed values are reported and leave the field unchanged.
func (m *Model) ApplyEnv() error {
	var errs []error
	parseUint := func(name string, dst *uint32) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.ParseUint(v, 0, 32)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = uint32(n)
		}
	}
	parseInt := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}

	parseUint("RADIOLINK_VEHICLE_ID", &m.VehicleID)
	parseUint("RADIOLINK_CONTROLLER_ID", &m.ControllerID)
	parseUint("RADIOLINK_RELAYED_VEHICLE_ID", &m.Relay.RelayedVehicleID)
	parseUint("RADIOLINK_RELAY_CAPABILITIES", &m.Relay.CapabilityFlags)
	parseInt("RADIOLINK_RELAY_LINK_ID", &m.Relay.RelayLinkID)
	parseInt("RADIOLINK_RING_MAX_BLOCKS", &m.Ring.MaxBlocks)
	if v := os.Getenv("RADIOLINK_RING_CRC"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("RADIOLINK_RING_CRC: %w", err))
		} else {
			m.Ring.EnableCRC = b
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		m.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		m.Log.Format = v
	}
	return multierr.Combine(errs...)
}

// RingConfig converts the ring section
func (m *Model) RingConfig() transport.RingConfig {
	return transport.RingConfig{
		MaxBlocks:    m.Ring.MaxBlocks,
		EnableCRC:    m.Ring.EnableCRC,
		DataPackets:  m.Ring.DataPackets,
		ECPackets:    m.Ring.ECPackets,
		PacketLength: m.Ring.PacketLength,
		MemoryBudget: m.Ring.MemoryBudget,
	}
}

// LoggingConfig converts the log section
func (m *Model) LoggingConfig() *logging.Config {
	return &logging.Config{Level: m.Log.Level, Format: m.Log.Format}
}

// VehicleContext builds the relay view of the model. Links and interfaces
// are copied; write changes back with UpdateFromContext.
func (m *Model) VehicleContext() *relay.VehicleContext {
	vc := &relay.VehicleContext{
		LocalVehicleID: m.VehicleID,
		ControllerID:   m.ControllerID,
		Relay: &relay.Session{
			RelayedVehicleID: m.Relay.RelayedVehicleID,
			RelayLinkID:      m.Relay.RelayLinkID,
			CapabilityFlags:  m.Relay.CapabilityFlags,
			Mode:             m.Relay.Mode,
		},
		Links: append([]radio.LinkParams(nil), m.Links...),
	}
	for _, i := range m.Interfaces {
		vc.Interfaces = append(vc.Interfaces, i.InterfaceParams)
	}
	vc.RecomputeRelayFlags()
	return vc
}

// UpdateFromContext copies relay parameters and capability flags back
func (m *Model) UpdateFromContext(vc *relay.VehicleContext) {
	m.Relay = RelaySection{
		RelayedVehicleID: vc.Relay.RelayedVehicleID,
		RelayLinkID:      vc.Relay.RelayLinkID,
		CapabilityFlags:  vc.Relay.CapabilityFlags,
		Mode:             vc.Relay.Mode,
	}
	m.Links = append(m.Links[:0], vc.Links...)
	for _, p := range vc.Interfaces {
		for i := range m.Interfaces {
			if m.Interfaces[i].Index == p.Index {
				m.Interfaces[i].InterfaceParams = p
			}
		}
	}
}
