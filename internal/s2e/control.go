package s2e

import (
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/agsys/lorastation/internal/protocol"
)

// runCmdAllowlist maps the "command" keyword of a runcmd message to the
// executable it actually runs; spec §4.7 requires the station never
// execute an arbitrary string the LNS supplies.
var runCmdAllowlist = map[string]string{
	"reboot":     "/sbin/reboot",
	"update":     "/opt/station/bin/update.sh",
	"ifconfig":   "/sbin/ifconfig",
	"logsync":    "/opt/station/bin/logsync.sh",
}

const runCmdTimeout = 30 * time.Second

// handleGetXTime answers a diagnostic round-trip request with the
// station's current xtime for the requesting antenna.
func (c *Context) handleGetXTime(raw []byte) {
	var req protocol.GetXTime
	if err := json.Unmarshal(raw, &req); err != nil {
		c.log.Warn("s2e: malformed getxtime request", zap.Error(err))
		return
	}
	ant := uint8(req.RCtx)
	x, err := c.ts.Ustime2Xtime(ant, c.clock.NowUstime())
	if err != nil {
		c.log.Debug("s2e: getxtime has no sync yet", zap.Uint8("ant", ant))
		return
	}
	resp := protocol.GetXTime{MsgType: protocol.MsgGetXTime, RCtx: req.RCtx, XTime: int64(x)}
	if raw, err := json.Marshal(resp); err == nil {
		_ = c.conn.TrySendText(raw)
	}
}

// handleRunCmd executes an allow-listed maintenance command and reports
// its outcome as an Event, per spec §6.
func (c *Context) handleRunCmd(raw []byte) {
	var req protocol.RunCmd
	if err := json.Unmarshal(raw, &req); err != nil {
		c.log.Warn("s2e: malformed runcmd request", zap.Error(err))
		return
	}
	path, ok := runCmdAllowlist[req.Command]
	if !ok {
		c.sendError("runcmd: command not allowed: " + req.Command)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), runCmdTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, path, req.Args...).CombinedOutput()
	text := string(out)
	if len(text) > 4096 {
		text = text[:4096]
	}
	ev := protocol.Event{MsgType: protocol.MsgEvent, EvCat: "runcmd", EvType: req.Command, Text: text}
	if err != nil {
		ev.Text = text + "\nerror: " + err.Error()
	}
	if raw, merr := json.Marshal(ev); merr == nil {
		_ = c.conn.TrySendText(raw)
	}
}

func (c *Context) sendError(text string) {
	msg := protocol.ErrorMsg{MsgType: protocol.MsgError, Error: text}
	if raw, err := json.Marshal(msg); err == nil {
		_ = c.conn.TrySendText(raw)
	}
}

// rmtshSession is one open remote-shell session: a subprocess whose
// stdin/stdout are bridged to binary WS frames tagged with the session
// index in byte 0 (spec §6).
type rmtshSession struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

// handleRmtSh opens, resizes, or closes a remote-shell session.
func (c *Context) handleRmtSh(raw []byte) {
	var req protocol.RmtSh
	if err := json.Unmarshal(raw, &req); err != nil {
		c.log.Warn("s2e: malformed rmtsh request", zap.Error(err))
		return
	}
	switch req.Action {
	case "open":
		c.openRmtShSession(req.Session)
	case "close":
		c.closeRmtShSession(req.Session)
	case "resize":
		// the shell session has no pty to resize in this adaptation; the
		// request is accepted silently, matching "unsupported control
		// verbs are ignored" (spec §4.7).
	default:
		c.log.Debug("s2e: unknown rmtsh action", zap.String("action", req.Action))
	}
}

func (c *Context) openRmtShSession(session int) {
	if _, exists := c.rmtsh[session]; exists {
		c.closeRmtShSession(session)
	}
	cmd := exec.Command("/bin/sh", "-i")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		c.log.Warn("s2e: rmtsh stdin pipe failed", zap.Error(err))
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.log.Warn("s2e: rmtsh stdout pipe failed", zap.Error(err))
		return
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		c.log.Warn("s2e: rmtsh spawn failed", zap.Error(err))
		return
	}
	sess := &rmtshSession{cmd: cmd, stdin: stdin}
	c.rmtsh[session] = sess

	go c.pumpRmtShOutput(session, stdout)
}

// pumpRmtShOutput forwards the subprocess's combined stdout/stderr to the
// LNS as binary frames, byte0 = session index; an empty frame on EOF signals
// the remote end to close its side (spec §6).
func (c *Context) pumpRmtShOutput(session int, stdout io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			frame := make([]byte, n+1)
			frame[0] = byte(session)
			copy(frame[1:], buf[:n])
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = c.conn.SendBinary(ctx, frame)
			cancel()
		}
		if err != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = c.conn.SendBinary(ctx, []byte{byte(session)})
			cancel()
			return
		}
	}
}

func (c *Context) closeRmtShSession(session int) {
	sess, ok := c.rmtsh[session]
	if !ok {
		return
	}
	delete(c.rmtsh, session)
	if sess.cmd.Process != nil {
		_ = sess.cmd.Process.Kill()
	}
}

// ingestRmtShInput forwards a binary WS frame's payload to the matching
// session's stdin; an empty payload (EOF from the LNS side) closes it.
func (c *Context) ingestRmtShInput(session int, payload []byte) {
	sess, ok := c.rmtsh[session]
	if !ok {
		return
	}
	if len(payload) == 0 {
		c.closeRmtShSession(session)
		return
	}
	if _, err := sess.stdin.Write(payload); err != nil {
		c.log.Debug("s2e: rmtsh stdin write failed", zap.Int("session", session), zap.Error(err))
		c.closeRmtShSession(session)
	}
}
