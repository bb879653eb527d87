package s2e

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agsys/lorastation/internal/eventloop"
	"github.com/agsys/lorastation/internal/protocol"
	"github.com/agsys/lorastation/internal/ral"
	"github.com/agsys/lorastation/internal/statestore"
	"github.com/agsys/lorastation/internal/transport"
)

// fakeRadio is a minimal ral.Radio that records Configure calls and never
// actually emits, for router_config/admission tests that don't need to
// drive the scheduler all the way to a committed transmission.
type fakeRadio struct {
	configured []int
	rx         chan ral.RxRecord
}

func newFakeRadio() *fakeRadio { return &fakeRadio{rx: make(chan ral.RxRecord, 8)} }

func (f *fakeRadio) Configure(ctx context.Context, txunit int, cfg ral.ConfigRecord) error {
	f.configured = append(f.configured, txunit)
	return nil
}
func (f *fakeRadio) Tx(ctx context.Context, txunit int, rec ral.TxRecord) (bool, error) {
	return true, nil
}
func (f *fakeRadio) TxAbort(ctx context.Context, txunit int, rctx int64) error { return nil }
func (f *fakeRadio) TxStatus(ctx context.Context, txunit int, rctx int64) (ral.TxStatus, error) {
	return ral.TxStatusEmitting, nil
}
func (f *fakeRadio) Timesync(ctx context.Context, txunit int) (ral.TimesyncRecord, error) {
	return ral.TimesyncRecord{}, nil
}
func (f *fakeRadio) Rx() <-chan ral.RxRecord { return f.rx }
func (f *fakeRadio) Close() error            { return nil }

func newTestContext(t *testing.T) (*Context, *fakeRadio) {
	t.Helper()
	store, err := statestore.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	radio := newFakeRadio()
	loop := eventloop.New(eventloop.NewSystemClock(), 16)
	c := New(Options{
		Log:      zap.NewNop(),
		Loop:     loop,
		Clock:    eventloop.NewSystemClock(),
		Radio:    radio,
		Conn:     transport.NewTestConn(),
		Store:    store,
		Antennas: 1,
	})
	return c, radio
}

func validRouterConfig() *protocol.RouterConfig {
	return &protocol.RouterConfig{
		MsgType:    protocol.MsgRouterConfig,
		Region:     "EU868",
		HwSpec:     "sx1301/1",
		FreqRange:  [2]uint32{868_000_000, 868_600_000},
		DRs:        [][3]int{{7, 125, 0}, {8, 125, 0}},
		SX1301Conf: []json.RawMessage{json.RawMessage(`{"radio_0":{}}`)},
	}
}

func TestApplyRouterConfigConfiguresEveryAntenna(t *testing.T) {
	c, radio := newTestContext(t)
	require.NoError(t, c.ApplyRouterConfig(validRouterConfig()))
	require.Equal(t, []int{0}, radio.configured)
	require.NotNil(t, c.drtable)
	require.NotNil(t, c.joinFilter)
}

func TestApplyRouterConfigRejectsMissingSX1301Conf(t *testing.T) {
	c, _ := newTestContext(t)
	cfg := validRouterConfig()
	cfg.SX1301Conf = nil
	require.Error(t, c.ApplyRouterConfig(cfg))
}

func TestHandleDnMsgAdmitsValidJob(t *testing.T) {
	c, _ := newTestContext(t)
	require.NoError(t, c.ApplyRouterConfig(validRouterConfig()))

	dr, freq := 0, uint32(868100000)
	msg := protocol.DnMsg{
		MsgType: protocol.MsgDnMsg, DevEUI: "0011223344556677", Diid: 42,
		Pdu: "01020304", RxDelay: 1, RX1DR: &dr, RX1Freq: &freq,
	}
	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	before := c.clock.NowUstime()
	c.handleDnMsg(raw)

	// The message carries no xtime, so handleDnMsg's txtime lands near
	// "now" - too close for sched.ClassA's aim gap - and the scheduler's
	// alt-time fallback pushes it about 1s out. An empty queue would
	// instead report a deadline only sched.TxAimGap (60ms) out, so this
	// distinguishes "admitted" from "rejected" without reaching into the
	// scheduler's unexported queue state.
	action := c.sched.NextTxAction(0)
	require.Greater(t, action.NextDeadline, before+500_000)
}

func TestHandleDnMsgDropsMalformedJSONWithoutPanic(t *testing.T) {
	c, _ := newTestContext(t)
	require.NoError(t, c.ApplyRouterConfig(validRouterConfig()))
	c.handleDnMsg([]byte(`{not json`))
}

func TestIngestGPSFixEmitsFixThenMoveEvents(t *testing.T) {
	c, _ := newTestContext(t)

	c.IngestGPSFix(51.5, -0.1, true)
	sent := c.conn.Sent()
	require.Len(t, sent, 1)
	var ev protocol.Event
	require.NoError(t, json.Unmarshal(sent[0], &ev))
	require.Equal(t, "gps", ev.EvCat)
	require.Equal(t, "fix", ev.EvType)

	c.IngestGPSFix(51.6, -0.1, true) // moved well past the threshold
	sent = c.conn.Sent()
	require.Len(t, sent, 1)
	require.NoError(t, json.Unmarshal(sent[0], &ev))
	require.Equal(t, "move", ev.EvType)
}

func TestIngestGPSFixNoFixBackoffCapsAtSixteen(t *testing.T) {
	c, _ := newTestContext(t)
	for i := 0; i < 20; i++ {
		c.IngestGPSFix(0, 0, false)
	}
	require.Equal(t, maxNoFixBackoff, c.gps.nofixBackoff)
}

func TestNextNoFixBackoffMonotonicCappedAtSixteen(t *testing.T) {
	backoff := 0
	for i := 0; i < 30; i++ {
		backoff = nextNoFixBackoff(backoff)
		require.LessOrEqual(t, backoff, maxNoFixBackoff)
	}
	require.Equal(t, maxNoFixBackoff, backoff)
}
