package s2e

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/agsys/lorastation/internal/protocol"
	"github.com/agsys/lorastation/internal/transport"
)

// pumpConnRx forwards inbound WS frames onto the event loop, so every
// message handler runs on the loop goroutine like everything else (spec
// §5).
func (c *Context) pumpConnRx() {
	for frame := range c.conn.Recv() {
		frame := frame
		c.loop.PostIO(func() { c.handleInbound(frame) })
	}
}

// handleInbound dispatches one decoded WS frame: binary frames are
// remote-shell I/O, text frames are msgtype-keyed JSON (spec §4.7). A
// frame this station doesn't recognize, or that fails mandatory-field
// validation, is dropped with a log line - it never tears down the
// connection.
func (c *Context) handleInbound(frame transport.InboundFrame) {
	if frame.Binary {
		c.handleRmtShData(frame.Data)
		return
	}

	mt, err := protocol.Peek(frame.Data)
	if err != nil {
		c.log.Warn("s2e: dropping frame with unknown msgtype", zap.Error(err))
		return
	}
	switch mt {
	case protocol.MsgRouterConfig:
		var rc protocol.RouterConfig
		if jerr := json.Unmarshal(frame.Data, &rc); jerr != nil {
			c.log.Warn("s2e: malformed router_config json", zap.Error(jerr))
			return
		}
		if err := c.ApplyRouterConfig(&rc); err != nil {
			c.log.Warn("s2e: router_config rejected", zap.Error(err))
		}
	case protocol.MsgDnMsg:
		c.handleDnMsg(frame.Data)
	case protocol.MsgDnSched:
		c.handleDnSched(frame.Data)
	case protocol.MsgDnFrame:
		c.handleDnFrame(frame.Data)
	case protocol.MsgTimeSync:
		c.handleTimeSyncResp(frame.Data)
	case protocol.MsgGetXTime:
		c.handleGetXTime(frame.Data)
	case protocol.MsgRunCmd:
		c.handleRunCmd(frame.Data)
	case protocol.MsgRmtSh:
		c.handleRmtSh(frame.Data)
	case protocol.MsgError:
		c.log.Warn("s2e: lns reported error", zap.ByteString("raw", frame.Data))
	default:
		c.log.Debug("s2e: dropping unsupported msgtype", zap.String("msgtype", string(mt)))
	}
}

// handleRmtShData routes a binary frame's session byte to the matching
// rmtsh session's stdin.
func (c *Context) handleRmtShData(data []byte) {
	if len(data) == 0 {
		return
	}
	session := int(data[0])
	c.ingestRmtShInput(session, data[1:])
}
