package ral

import "context"

// Radio is the interface the scheduler and message handler drive,
// satisfied by both concrete backends: the pipe-based master/slave IPC
// and the ChirpStack Concentratord ZeroMQ bridge.
type Radio interface {
	// Configure installs a router_config: hardware spec, region, sx130x
	// JSON blob and upchannel list, for the given txunit.
	Configure(ctx context.Context, txunit int, cfg ConfigRecord) error

	// Tx submits a transmission; ok is false if the radio refused
	// (NOCA/FAIL) and the caller must re-place the job.
	Tx(ctx context.Context, txunit int, rec TxRecord) (ok bool, err error)

	// TxAbort cancels an in-flight or pending transmission for rctx.
	TxAbort(ctx context.Context, txunit int, rctx int64) error

	// TxStatus queries the current transmit status for rctx.
	TxStatus(ctx context.Context, txunit int, rctx int64) (TxStatus, error)

	// Timesync requests a fresh (ustime, xtime, pps_xtime, quality)
	// sample from txunit.
	Timesync(ctx context.Context, txunit int) (TimesyncRecord, error)

	// Rx returns the channel of unsolicited RX records from all txunits.
	Rx() <-chan RxRecord

	// Close tears down all backend resources.
	Close() error
}
