// Command station is the basestation master-process entrypoint: it
// loads the operator config and CUPS-collaborator config files, spawns
// one concentrator slave per slave-N.conf (or dials Concentratord
// directly, per the operator's chosen RAL backend), opens the LNS
// WebSocket, and runs the single-threaded event loop that drives every
// other subsystem (spec §2, §9).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agsys/lorastation/internal/config"
	"github.com/agsys/lorastation/internal/eventloop"
	"github.com/agsys/lorastation/internal/ral"
	"github.com/agsys/lorastation/internal/ral/concentratord"
	"github.com/agsys/lorastation/internal/ral/master"
	"github.com/agsys/lorastation/internal/s2e"
	"github.com/agsys/lorastation/internal/statestore"
	"github.com/agsys/lorastation/internal/transport"
)

var (
	configFile string

	rootCmd = &cobra.Command{
		Use:   "station",
		Short: "LoRaWAN basestation packet forwarder",
		Long:  "Station-to-network-server core: mediates between a radio abstraction layer and a cloud LoRaWAN Network Server over a persistent WebSocket.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the station",
		RunE:  runStation,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("station v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/station/station.yaml", "Operator configuration file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runStation(cmd *cobra.Command, args []string) error {
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer log.Sync()

	opCfg, err := config.LoadOperatorConfig(configFile)
	if err != nil {
		return errors.Wrap(err, "station: load operator config")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	store, err := statestore.Open(opCfg.Station.StateDBPath)
	if err != nil {
		return errors.Wrap(err, "station: open state store")
	}
	defer store.Close()

	for _, role := range config.CredRoles {
		if err := config.RollForward(opCfg.Transport.CredDir, role); err != nil {
			log.Warn("station: credential roll-forward failed", zap.String("role", role), zap.Error(err))
		}
	}

	radio, antennas, masterRef, err := buildRadio(ctx, log, opCfg)
	if err != nil {
		return errors.Wrap(err, "station: build radio backend")
	}
	defer radio.Close()

	timeout := time.Duration(opCfg.Transport.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	dialCtx, dialCancel := context.WithTimeout(ctx, timeout)
	conn, err := transport.Dial(dialCtx, log, opCfg.Transport.URI, http.Header{})
	dialCancel()
	if err != nil {
		return errors.Wrap(err, "station: dial LNS")
	}
	defer conn.Close()

	loop := eventloop.New(eventloop.NewSystemClock(), 256)
	clock := eventloop.NewSystemClock()

	sctx := s2e.New(s2e.Options{
		Log:        log,
		Loop:       loop,
		Clock:      clock,
		Radio:      radio,
		Conn:       conn,
		Store:      store,
		Antennas:   antennas,
		LastPosDir: filepath.Join(opCfg.Station.ConfigDir, "temp"),
	})
	sctx.Start()
	defer sctx.Close()

	watcher, err := config.NewWatcher(log, opCfg.Transport.CredDir)
	if err != nil {
		log.Warn("station: credential watcher unavailable", zap.Error(err))
		watcher = nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })
	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}
	if masterRef != nil {
		g.Go(func() error { return masterRef.Watch(gctx) })
	}

	log.Info("station: running", zap.String("station_id", opCfg.Station.ID),
		zap.String("region", opCfg.Station.Region), zap.Int("antennas", antennas))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return errors.Wrap(err, "station: fatal")
	}
	return nil
}

// buildRadio constructs the RAL backend named in the operator config:
// either the pipe/slave-process master (spec §4.5) or a direct
// Concentratord ZeroMQ connection (SPEC_FULL §2 DOMAIN STACK).
func buildRadio(ctx context.Context, log *zap.Logger, opCfg *config.OperatorConfig) (ral.Radio, int, *master.Master, error) {
	switch opCfg.RAL.Backend {
	case "concentratord":
		b, err := concentratord.Dial(ctx, log, concentratord.Config{
			EventURL:   opCfg.RAL.ZMQEndpoint + "/event",
			CommandURL: opCfg.RAL.ZMQEndpoint + "/command",
		})
		if err != nil {
			return nil, 0, nil, err
		}
		return b, 1, nil, nil
	default:
		slaveConfs, err := config.LoadSlaveConfs(opCfg.Station.ConfigDir)
		if err != nil {
			return nil, 0, nil, err
		}
		if len(slaveConfs) == 0 {
			return nil, 0, nil, errors.New("station: no slave-N.conf files found")
		}
		specs := make([]master.SlaveSpec, len(slaveConfs))
		for i, sc := range slaveConfs {
			specs[i] = master.SlaveSpec{
				TxUnit:  sc.TxUnit,
				Command: opCfg.RAL.SlaveCommand,
				Args:    append([]string{}, opCfg.RAL.SlaveArgs...),
			}
		}
		m, err := master.New(ctx, log, specs)
		if err != nil {
			return nil, 0, nil, err
		}
		return m, len(specs), m, nil
	}
}
