// Command station-slave is the per-concentrator slave process spawned by
// internal/ral/master (spec §4.5 "Spawning"). It owns exactly one
// concentrator, reading commands from stdin and writing RX/reply records
// to stdout - the pipe ends the parent wired up before exec.
//
// libloragw itself is a cgo/hardware dependency out of this repo's scope
// (spec §1 OUT OF SCOPE); the slave instead drives the concentrator
// through a local ChirpStack Concentratord instance over ZeroMQ, using
// the same backend internal/ral/concentratord speaks to the LNS-facing
// side with. This keeps the master/slave IPC contract and its
// crash-isolation property (spec §9: "one crash must not kill the WS
// connection") while satisfying the RX/TX/status/xtick interface spec
// §4.5 describes a slave translating into lgw_send/lgw_receive calls.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agsys/lorastation/internal/ral"
	"github.com/agsys/lorastation/internal/ral/concentratord"
	"github.com/agsys/lorastation/internal/ral/slave"
)

var (
	eventURL   string
	commandURL string

	rootCmd = &cobra.Command{
		Use:   "station-slave",
		Short: "Per-concentrator slave process for the LoRaWAN basestation",
		RunE:  runSlave,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("station-slave v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&eventURL, "event-url", "ipc:///tmp/concentratord_event", "Concentratord ZeroMQ event (SUB) endpoint")
	rootCmd.PersistentFlags().StringVar(&commandURL, "command-url", "ipc:///tmp/concentratord_command", "Concentratord ZeroMQ command (REQ) endpoint")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// txunitConcentrator adapts internal/ral/concentratord's ral.Radio-shaped
// Backend to the slave.Concentrator interface one slave process needs: a
// polling Receive instead of a channel, and txunit already bound so the
// caller never threads it through every call.
type txunitConcentrator struct {
	backend *concentratord.Backend
	txunit  int
}

func (c *txunitConcentrator) Configure(cfg ral.ConfigRecord) error {
	return c.backend.Configure(context.Background(), c.txunit, cfg)
}

func (c *txunitConcentrator) Receive(maxFrames int) ([]ral.RxRecord, error) {
	out := make([]ral.RxRecord, 0, maxFrames)
	ch := c.backend.Rx()
	for len(out) < maxFrames {
		select {
		case rec := <-ch:
			out = append(out, rec)
		default:
			return out, nil
		}
	}
	return out, nil
}

func (c *txunitConcentrator) Send(rec ral.TxRecord) error {
	ok, err := c.backend.Tx(context.Background(), c.txunit, rec)
	if err != nil {
		return err
	}
	if !ok {
		return errTxRefused
	}
	return nil
}

func (c *txunitConcentrator) Status(rctx int64) ral.TxStatus {
	st, err := c.backend.TxStatus(context.Background(), c.txunit, rctx)
	if err != nil {
		return ral.TxStatusFail
	}
	return st
}

var errTxRefused = fmt.Errorf("station-slave: concentrator refused tx (NOCA/FAIL)")

func (c *txunitConcentrator) Abort(rctx int64) error {
	return c.backend.TxAbort(context.Background(), c.txunit, rctx)
}

func (c *txunitConcentrator) Timesync() (ral.TimesyncRecord, error) {
	return c.backend.Timesync(context.Background(), c.txunit)
}

func runSlave(cmd *cobra.Command, args []string) error {
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer log.Sync()

	txunit := 0
	if v := os.Getenv("RAL_TXUNIT"); v != "" {
		n, perr := strconv.Atoi(v)
		if perr != nil {
			return fmt.Errorf("station-slave: bad RAL_TXUNIT %q: %w", v, perr)
		}
		txunit = n
	}
	log = log.With(zap.Int("txunit", txunit))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	backend, err := concentratord.Dial(ctx, log, concentratord.Config{
		EventURL:   eventURL,
		CommandURL: commandURL,
	})
	if err != nil {
		log.Error("station-slave: concentratord dial failed", zap.Error(err))
		os.Exit(fatalExitForDialFailure)
	}
	defer backend.Close()

	radio := &txunitConcentrator{backend: backend, txunit: txunit}
	loop := slave.NewLoop(log, radio, os.Stdin, os.Stdout)

	if err := loop.Run(ctx); err != nil {
		log.Warn("station-slave: loop exited", zap.Error(err))
		return err
	}
	return nil
}

// fatalExitForDialFailure is within the master's FatalExitMin..FatalExitMax
// range (spec §4.5/§7 "configuration fatal"): a slave that cannot reach
// its concentrator at all has no restart path that would help, so it
// signals the master to give up on the whole station rather than loop
// restarting forever.
const fatalExitForDialFailure = 30
