// Package master implements the RAL master side: it forks one slave
// process per configured concentrator, talks to it over a pair of
// non-blocking pipes using the fixed-layout records in internal/ral, and
// restarts it with a bounded back-off on unexpected exit.
package master

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/agsys/lorastation/internal/ral"
)

// RetryPipeIO is how long a synchronous exchange sleeps between polls of
// a non-blocking pipe read while waiting for a reply.
const RetryPipeIO = 500 * time.Microsecond

// MaxSyncPolls bounds how many times a synchronous exchange polls before
// giving up and treating the reply as late.
const MaxSyncPolls = 5

// MaxQuickRestarts is how many restarts without an intervening
// successful interaction with the slave (any record decoded from it) are
// tolerated before the whole station is considered fatally broken.
const MaxQuickRestarts = 4

// FatalExitMin/FatalExitMax bound the "do not restart" exit code range a
// slave uses to signal a configuration-fatal condition.
const (
	FatalExitMin = 30
	FatalExitMax = 40
)

// SlaveSpec describes how to spawn one concentrator slave process.
type SlaveSpec struct {
	TxUnit  int
	Command string
	Args    []string
}

// slave is one running (or restarting) concentrator slave process.
type slave struct {
	spec       SlaveSpec
	cmd        *exec.Cmd
	downW      *os.File // master writes commands here (slave's stdin)
	upR        *os.File // master reads replies/RX here (slave's stdout)
	restartEpoch string

	mu           sync.Mutex
	spill        []byte
	lastExpCmd   ral.Cmd
	lastStatus   ral.TxStatus
	lastTimesync ral.TimesyncRecord
	restarts     int
	lastConfig   ral.ConfigRecord
	alive        bool
}

// Master owns every slave process and satisfies ral.Radio by routing
// calls to the slave for the addressed txunit.
type Master struct {
	log     *zap.Logger
	slaves  []*slave
	rxCh    chan ral.RxRecord
	fatalCh chan error

	mu      sync.Mutex
	closing bool
}

// New spawns one slave per spec and returns a Master ready to serve
// ral.Radio calls. It does not block waiting for slaves to become ready;
// Configure does that per-txunit. Each slave is also watched by a
// per-process goroutine (see spawn/waitSlave) that detects crash/exit
// and drives the restart-or-fatal decision (spec §4.5, §8 scenario 6).
func New(ctx context.Context, log *zap.Logger, specs []SlaveSpec) (*Master, error) {
	m := &Master{log: log, rxCh: make(chan ral.RxRecord, 256), fatalCh: make(chan error, 1)}
	for _, spec := range specs {
		s, err := m.spawn(spec)
		if err != nil {
			m.Close()
			return nil, errors.Wrapf(err, "ral/master: spawning txunit %d", spec.TxUnit)
		}
		m.slaves = append(m.slaves, s)
		go m.readLoop(s)
	}
	return m, nil
}

// Watch blocks until ctx is done or a slave crash crosses the
// station-fatal threshold - a configuration-fatal exit code (spec §6
// "Exit codes") or exceeding MaxQuickRestarts restarts without a
// successful interaction (spec §4.5/§7 "Slave process death", §8
// scenario 6) - returning the latter as an error. Meant to run inside
// the station's supervising errgroup so a fatal slave failure tears
// down the whole process.
func (m *Master) Watch(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-m.fatalCh:
		return err
	}
}

func (m *Master) reportFatal(err error) {
	select {
	case m.fatalCh <- err:
	default:
	}
}

func (m *Master) spawn(spec SlaveSpec) (*slave, error) {
	downR, downW, err := pipe()
	if err != nil {
		return nil, err
	}
	upR, upW, err := pipe()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Stdin = downR
	cmd.Stdout = upW
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		"RAL_TXUNIT="+strconv.Itoa(spec.TxUnit),
	)
	if err := cmd.Start(); err != nil {
		downR.Close()
		downW.Close()
		upR.Close()
		upW.Close()
		return nil, err
	}
	// The parent only keeps the ends it uses; the child's ends were
	// inherited across fork+exec and can be closed here.
	downR.Close()
	upW.Close()

	if err := setNonblockCloexec(downW); err != nil {
		return nil, err
	}
	if err := setNonblockCloexec(upR); err != nil {
		return nil, err
	}

	s := &slave{
		spec: spec, cmd: cmd, downW: downW, upR: upR,
		restartEpoch: uuid.NewString(), alive: true,
	}
	go m.waitSlave(spec.TxUnit, s.restartEpoch, cmd)
	return s, nil
}

// waitSlave blocks for one slave process's exit (the idiomatic substitute
// for polling waitpid(..., WNOHANG) every WAIT_SLAVE_PID_INTV) and drives
// the restart-or-fatal decision (spec §4.5 "Slave process death", §8
// scenario 6). epoch pins this goroutine to the process spawn() started
// it for, so a goroutine left over from a process that Restart already
// replaced does not act a second time.
func (m *Master) waitSlave(txunit int, epoch string, cmd *exec.Cmd) {
	err := cmd.Wait()

	m.mu.Lock()
	closing := m.closing
	m.mu.Unlock()
	if closing {
		return
	}

	s, lookupErr := m.slaveFor(txunit)
	if lookupErr != nil {
		return
	}
	s.mu.Lock()
	current := s.restartEpoch == epoch
	s.mu.Unlock()
	if !current {
		return
	}

	code := -1
	switch {
	case err == nil:
		code = cmd.ProcessState.ExitCode()
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}

	if ExitClass(code) {
		m.reportFatal(errors.Newf("ral/master: txunit %d slave exited with fatal code %d", txunit, code))
		return
	}

	m.log.Warn("ral/master: slave exited, restarting", zap.Int("txunit", txunit), zap.Int("code", code))
	if rerr := m.Restart(context.Background(), txunit); rerr != nil {
		m.reportFatal(errors.Wrapf(rerr, "ral/master: txunit %d restart failed", txunit))
	}
}

func pipe() (r, w *os.File, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, nil, err
	}
	return os.NewFile(uintptr(fds[0]), "pipe-r"), os.NewFile(uintptr(fds[1]), "pipe-w"), nil
}

func setNonblockCloexec(f *os.File) error {
	return unix.SetNonblock(int(f.Fd()), true)
}

// readLoop reassembles the slave's up-pipe byte stream into RX and reply
// records, matching late replies against lastExpCmd and routing RX
// records to the shared Rx() channel.
func (m *Master) readLoop(s *slave) {
	buf := make([]byte, 4096)
	for {
		n, err := s.upR.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.spill = append(s.spill, buf[:n]...)
			s.drainSpill(m)
			s.mu.Unlock()
		}
		if err != nil {
			if errors.Is(err, os.ErrClosed) {
				return
			}
			if errors.Is(err, io.EOF) {
				s.mu.Lock()
				s.alive = false
				s.mu.Unlock()
				m.log.Warn("ral/master: slave up-pipe closed (process exited)", zap.Int("txunit", s.spec.TxUnit))
				return
			}
			time.Sleep(RetryPipeIO)
		}
	}
}

// drainSpill decodes as many complete records as the spill buffer holds.
// Must be called with s.mu held.
func (s *slave) drainSpill(m *Master) {
	for {
		cmd, ok := ral.PeekCmd(s.spill)
		if !ok {
			return
		}
		var want int
		switch cmd {
		case ral.CmdRx:
			want = rxRecordLen(s.spill)
		case ral.CmdTimesync:
			want = ral.RecordLen(ral.CmdTimesync, 0)
		case ral.CmdTxStatus:
			want = ral.RecordLen(ral.CmdTxStatus, 0)
		default:
			m.log.Warn("ral/master: unexpected command on up-pipe", zap.Int("cmd", int(cmd)))
			s.spill = s.spill[1:]
			continue
		}
		if want == 0 || len(s.spill) < want {
			return
		}
		record := s.spill[:want]
		s.spill = s.spill[want:]
		s.dispatch(m, cmd, record)
	}
}

// rxRecordLen returns the full length of an RX record once its 2-byte
// length field (just before the payload) is present in buf, or 0 if not
// enough bytes are available yet to know.
func rxRecordLen(buf []byte) int {
	const lenFieldEnd = 8 + 1 + 1 + 4 + 8 + 2 + 4 + 2 // header+rps+freq+xtime+rssi+snr+lenfield
	if len(buf) < lenFieldEnd {
		return 0
	}
	dataLen := int(buf[lenFieldEnd-2]) | int(buf[lenFieldEnd-1])<<8
	return lenFieldEnd + dataLen
}

func (s *slave) dispatch(m *Master, cmd ral.Cmd, record []byte) {
	switch cmd {
	case ral.CmdRx:
		rx, err := ral.DecodeRx(record)
		if err != nil {
			m.log.Warn("ral/master: malformed RX record", zap.Error(err))
			return
		}
		select {
		case m.rxCh <- rx:
		default:
			m.log.Error("ral/master: RX channel full, dropping frame")
		}
	case ral.CmdTxStatus:
		if _, status, err := ral.DecodeTxStatusReply(record); err == nil {
			s.lastStatus = status
		}
		if s.lastExpCmd != 0 && cmd != s.lastExpCmd {
			m.log.Warn("ral/master: late reply for stale exchange, discarding",
				zap.Int("got", int(cmd)), zap.Int("expected", int(s.lastExpCmd)))
		}
		s.lastExpCmd = 0
	case ral.CmdTimesync:
		if rec, err := ral.DecodeTimesyncReply(record); err == nil {
			s.lastTimesync = rec
		}
		if s.lastExpCmd != 0 && cmd != s.lastExpCmd {
			m.log.Warn("ral/master: late reply for stale exchange, discarding",
				zap.Int("got", int(cmd)), zap.Int("expected", int(s.lastExpCmd)))
		}
		s.lastExpCmd = 0
	default:
		s.lastExpCmd = 0
	}
	// Any record successfully decoded off the wire is a live interaction
	// with the slave, so the quick-restart counter from a prior restart
	// no longer accumulates (spec §4.5: restarts are counted since the
	// last interaction, not over the station's whole lifetime).
	s.restarts = 0
}

// Rx returns the channel of unsolicited RX records aggregated across all
// slaves.
func (m *Master) Rx() <-chan ral.RxRecord { return m.rxCh }

// Configure sends a CONFIG record to txunit's slave, remembering it so a
// restart can replay it.
func (m *Master) Configure(ctx context.Context, txunit int, cfg ral.ConfigRecord) error {
	s, err := m.slaveFor(txunit)
	if err != nil {
		return err
	}
	s.lastConfig = cfg
	_, err = s.downW.Write(ral.EncodeConfig(cfg))
	return err
}

// Tx synchronously submits a TX record and polls for the TXSTATUS-style
// acknowledgement, per the "synchronous exchanges" protocol: unrelated RX
// and TIMESYNC records seen while polling are processed normally by the
// background readLoop, not buffered here.
func (m *Master) Tx(ctx context.Context, txunit int, rec ral.TxRecord) (bool, error) {
	s, err := m.slaveFor(txunit)
	if err != nil {
		return false, err
	}
	if !s.alive {
		return false, nil // TX_FAIL: slave is restarting
	}
	buf, err := ral.EncodeTx(rec)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	s.lastExpCmd = ral.CmdTxStatus
	s.mu.Unlock()
	if _, err := s.downW.Write(buf); err != nil {
		return false, err
	}
	status, ok := m.pollForStatus(s, rec.Rctx)
	if !ok {
		m.log.Warn("ral/master: no TX status reply within poll budget", zap.Int64("rctx", rec.Rctx))
		return false, nil
	}
	return status == ral.TxStatusEmitting || status == ral.TxStatusScheduled, nil
}

func (m *Master) pollForStatus(s *slave, rctx int64) (ral.TxStatus, bool) {
	for i := 0; i < MaxSyncPolls; i++ {
		s.mu.Lock()
		expired := s.lastExpCmd == 0
		status := s.lastStatus
		s.mu.Unlock()
		if expired {
			return status, true
		}
		time.Sleep(RetryPipeIO)
	}
	return 0, false
}

// TxAbort sends a TXABORT for rctx.
func (m *Master) TxAbort(ctx context.Context, txunit int, rctx int64) error {
	s, err := m.slaveFor(txunit)
	if err != nil {
		return err
	}
	_, err = s.downW.Write(ral.EncodeSimpleCmd(rctx, ral.CmdTxAbort))
	return err
}

// TxStatus requests a TXSTATUS reply for rctx (used outside a TX commit,
// e.g. a watchdog poll).
func (m *Master) TxStatus(ctx context.Context, txunit int, rctx int64) (ral.TxStatus, error) {
	s, err := m.slaveFor(txunit)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.lastExpCmd = ral.CmdTxStatus
	s.mu.Unlock()
	if _, err := s.downW.Write(ral.EncodeSimpleCmd(rctx, ral.CmdTxStatus)); err != nil {
		return 0, err
	}
	status, ok := m.pollForStatus(s, rctx)
	if !ok {
		return 0, errors.New("ral/master: TXSTATUS reply timed out")
	}
	return status, nil
}

// Timesync requests a fresh timesync sample from txunit's slave.
func (m *Master) Timesync(ctx context.Context, txunit int) (ral.TimesyncRecord, error) {
	s, err := m.slaveFor(txunit)
	if err != nil {
		return ral.TimesyncRecord{}, err
	}
	s.mu.Lock()
	s.lastExpCmd = ral.CmdTimesync
	s.mu.Unlock()
	if _, err := s.downW.Write(ral.EncodeSimpleCmd(0, ral.CmdTimesync)); err != nil {
		return ral.TimesyncRecord{}, err
	}
	for i := 0; i < MaxSyncPolls; i++ {
		s.mu.Lock()
		expired := s.lastExpCmd == 0
		rec := s.lastTimesync
		s.mu.Unlock()
		if expired {
			return rec, nil
		}
		time.Sleep(RetryPipeIO)
	}
	return ral.TimesyncRecord{}, errors.New("ral/master: TIMESYNC reply timed out")
}

func (m *Master) slaveFor(txunit int) (*slave, error) {
	for _, s := range m.slaves {
		if s.spec.TxUnit == txunit {
			return s, nil
		}
	}
	return nil, errors.Newf("ral/master: no slave for txunit %d", txunit)
}

// Close sends STOP to every slave and releases pipe file descriptors.
func (m *Master) Close() error {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()

	for _, s := range m.slaves {
		if s == nil {
			continue
		}
		s.downW.Write(ral.EncodeSimpleCmd(0, ral.CmdStop))
		s.downW.Close()
		s.upR.Close()
	}
	return nil
}

// Restart tears down and re-forks a slave after an unexpected exit,
// replaying its last CONFIG once the new process is up. It enforces the
// quick-restart velocity limit: beyond MaxQuickRestarts the caller should
// treat this as fatal.
func (m *Master) Restart(ctx context.Context, txunit int) error {
	s, err := m.slaveFor(txunit)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.restarts++
	restarts := s.restarts
	s.mu.Unlock()
	if restarts > MaxQuickRestarts {
		return errors.Newf("ral/master: txunit %d exceeded %d quick restarts", txunit, MaxQuickRestarts)
	}

	terminate(s.cmd.Process)
	s.downW.Close()
	s.upR.Close()
	s.mu.Lock()
	s.alive = false
	s.mu.Unlock()

	fresh, err := m.spawn(s.spec)
	if err != nil {
		return errors.Wrapf(err, "ral/master: restarting txunit %d", txunit)
	}

	// Copy the new process's fields into the slot in place (rather than
	// *s = *fresh) so s's identity and its mutex stay valid for any
	// goroutine - readLoop, waitSlave, dispatch - already holding or
	// about to take s.mu for the outgoing process.
	s.mu.Lock()
	s.cmd = fresh.cmd
	s.downW = fresh.downW
	s.upR = fresh.upR
	s.restartEpoch = fresh.restartEpoch
	s.spill = nil
	s.lastExpCmd = 0
	s.restarts = restarts
	s.alive = true
	lastConfig := s.lastConfig
	s.mu.Unlock()
	go m.readLoop(s)

	if lastConfig.HwSpec != "" {
		return m.Configure(ctx, txunit, lastConfig)
	}
	return nil
}

func terminate(p *os.Process) {
	if p == nil {
		return
	}
	for i := 0; i < 2; i++ {
		if err := p.Signal(unix.SIGTERM); err != nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	p.Kill()
}

// ExitClass reports whether an observed exit code is in the
// "fatal for the whole station" range.
func ExitClass(code int) (fatal bool) {
	return code >= FatalExitMin && code <= FatalExitMax
}
