// Command radiolink-relay runs the relay forwarder of a vehicle over UDP
// emulated radio interfaces. Relay parameter changes arrive over ipc, are
// applied to the radios and written back to the configuration file.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rubyfpv/radiolink/pkg/config"
	"github.com/rubyfpv/radiolink/pkg/ipc"
	"github.com/rubyfpv/radiolink/pkg/logging"
	"github.com/rubyfpv/radiolink/pkg/radio"
	"github.com/rubyfpv/radiolink/pkg/transport"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const statsInterval = 10 * time.Second

func main() {
	configPath := pflag.StringP("config", "c", "", "Vehicle configuration file (YAML). Relay changes are saved back to it.")
	pflag.Parse()

	m := config.Default()
	if *configPath != "" {
		var err error
		if m, err = config.LoadFile(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	if err := m.ApplyEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := logging.Init(m.LoggingConfig()); err != nil {
		panic(fmt.Sprintf("Failed to initialize logging: %v", err))
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, m, *configPath); err != nil {
		logging.Fatal("radiolink-relay failed", zap.Error(err))
	}
}

func run(ctx context.Context, m *config.Model, path string) error {
	if err := m.Validate(); err != nil {
		return err
	}

	out := radio.NewUDPOutput()
	defer out.Close()
	for _, ic := range m.Interfaces {
		iface, err := radio.NewUDPInterface(ic.InterfaceParams, ic.Listen, ic.Peer)
		if err != nil {
			return err
		}
		out.Add(iface)
	}

	reconf := &modelReconfigurer{path: path, model: m, radios: out}
	if len(m.IPC.Peers) > 0 {
		nt, err := ipc.NewNotifier(m.VehicleID, m.IPC.Peers)
		if err != nil {
			return err
		}
		defer nt.Close()
		reconf.notifier = nt
	}

	timers := transport.NewTimerManager()
	defer timers.Stop()

	n := newNode(m.VehicleContext(), out, reconf, timers)
	timers.SchedulePeriodic(transport.TimerKeyStats, statsInterval, n.logStats)

	logging.Info("Relay node started",
		zap.Uint32("vehicleID", m.VehicleID),
		zap.Uint32("relayedVehicleID", m.Relay.RelayedVehicleID),
		zap.Int("relayLinkID", m.Relay.RelayLinkID),
		zap.String("state", n.vc.Relay.State().String()))

	g, ctx := errgroup.WithContext(ctx)

	for _, iface := range out.Interfaces() {
		iface := iface
		index := iface.Params.Index
		g.Go(func() error {
			buf := make([]byte, radio.FrameHeaderSize+0xffff)
			for {
				sz, err := iface.Read(buf)
				if errors.Is(err, radio.ErrInterfaceClosed) {
					return nil
				}
				if err != nil {
					return fmt.Errorf("read interface %d: %w", index, err)
				}
				if res, ok := n.handleFrame(index, buf[:sz]); ok {
					logging.Debug("Relay frame processed",
						zap.Int("iface", index),
						zap.Stringer("verdict", res.Verdict),
						zap.Stringer("reason", res.Reason))
				}
			}
		})
	}

	if m.IPC.Listen != "" {
		g.Go(func() error {
			return ipc.Listen(ctx, m.IPC.Listen, func(msg ipc.RelayParamsChanged) {
				if err := n.applyParams(ctx, msg); err != nil {
					logging.Warn("Relay reconfiguration incomplete", zap.Error(err))
				}
			})
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		n.logStats()
		return out.Close()
	})

	return g.Wait()
}
