// Command radiolink-tx reads a byte stream from stdin, protects it with the
// FEC transmit ring and sends it on one radio interface. Retransmission
// requests received on that interface are answered from the ring.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rubyfpv/radiolink/pkg/common"
	"github.com/rubyfpv/radiolink/pkg/config"
	"github.com/rubyfpv/radiolink/pkg/logging"
	"github.com/rubyfpv/radiolink/pkg/radio"
	"github.com/rubyfpv/radiolink/pkg/transport"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const readChunkSize = 4096

func main() {
	configPath := pflag.StringP("config", "c", "", "Vehicle configuration file (YAML).")
	ifaceIndex := pflag.IntP("iface", "i", 0, "Radio interface index to transmit on.")
	streamID := pflag.Uint32("stream", 0, "Video stream id.")
	pflag.Parse()

	m, err := loadModel(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := logging.Init(m.LoggingConfig()); err != nil {
		panic(fmt.Sprintf("Failed to initialize logging: %v", err))
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, stop, m, *ifaceIndex, *streamID, os.Stdin); err != nil {
		logging.Fatal("radiolink-tx failed", zap.Error(err))
	}
}

func loadModel(path string) (*config.Model, error) {
	m := config.Default()
	if path != "" {
		var err error
		if m, err = config.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := m.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	return m, m.Validate()
}

func run(ctx context.Context, stop context.CancelFunc, m *config.Model, ifaceIndex int, streamID uint32, in io.Reader) error {
	var ic *config.InterfaceConfig
	for i := range m.Interfaces {
		if m.Interfaces[i].Index == ifaceIndex {
			ic = &m.Interfaces[i]
		}
	}
	if ic == nil {
		return fmt.Errorf("%w: %d", radio.ErrUnknownInterface, ifaceIndex)
	}
	var link radio.LinkParams
	for _, l := range m.Links {
		if l.LinkID == ic.LinkID {
			link = l
		}
	}

	iface, err := radio.NewUDPInterface(ic.InterfaceParams, ic.Listen, ic.Peer)
	if err != nil {
		return err
	}
	out := radio.NewUDPOutput()
	out.Add(iface)
	defer out.Close()

	pool := common.NewBufferPool(radio.FrameHeaderSize + 2*1024)
	writer := &radioWriter{out: out, iface: ic.InterfaceParams, link: link, pool: pool}
	framer := transport.NewBlockFramer(m.VehicleID, m.ControllerID, streamID)
	p, res := newPipeline(m.RingConfig(), framer, writer)
	if res.Clamped || res.Degraded {
		logging.Warn("Transmit ring configuration adjusted",
			zap.Int("maxBlocks", res.Effective.MaxBlocks),
			zap.Int("dataPackets", res.Effective.DataPackets),
			zap.Int("ecPackets", res.Effective.ECPackets),
			zap.Int("packetLength", res.Effective.PacketLength),
			zap.Bool("clamped", res.Clamped),
			zap.Bool("degraded", res.Degraded))
	}

	tm := transport.NewTimerManager()
	defer tm.Stop()
	if m.Ring.StatsInterval > 0 {
		tm.SchedulePeriodic(transport.TimerKeyStats, m.Ring.StatsInterval, p.logStats)
	}

	g, ctx := errgroup.WithContext(ctx)

	// Reads from in cannot be interrupted, so the reader is left out of the
	// group and only its chunks are waited on.
	chunks := make(chan []byte, 16)
	readErr := make(chan error, 1)
	go func() {
		defer close(chunks)
		for {
			buf := make([]byte, readChunkSize)
			n, err := in.Read(buf)
			if n > 0 {
				select {
				case chunks <- buf[:n]:
				case <-ctx.Done():
					readErr <- ctx.Err()
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case chunk, ok := <-chunks:
				if !ok {
					err := <-readErr
					if ctx.Err() != nil {
						return nil
					}
					if !errors.Is(err, io.EOF) {
						return fmt.Errorf("read input: %w", err)
					}
					logging.Info("Input stream ended")
					stop()
					return nil
				}
				if _, err := p.ingest(chunk); err != nil {
					logging.Warn("Failed to send ring packets", zap.Error(err))
				}
			}
		}
	})

	g.Go(func() error {
		buf := make([]byte, radio.FrameHeaderSize+0xffff)
		for {
			n, err := iface.Read(buf)
			if errors.Is(err, radio.ErrInterfaceClosed) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("read %s: %w", iface.Params.Name, err)
			}
			f, err := radio.ParseFrame(buf[:n])
			if err != nil {
				logging.Debug("Dropping raw frame", zap.Error(err))
				continue
			}
			if f.Direction != radio.RouterUplink {
				continue
			}
			if _, err := p.handleFrame(f.Payload); err != nil {
				logging.Debug("Dropping malformed uplink frame", zap.Error(err))
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		p.logStats()
		return out.Close()
	})

	return g.Wait()
}
