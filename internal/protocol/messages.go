// Package protocol defines the JSON message envelope exchanged between
// the station and the LNS over the WebSocket framed channel: uplink
// frame reports, downlink dispatch/schedule messages, time-sync, and the
// remote-command/remote-shell control messages. Field names follow the
// LoRaWAN Basics Station wire convention so an unmodified LNS can speak
// to this station.
//
// JSON encode/decode itself is treated as an external collaborator's
// concern (spec §1 OUT OF SCOPE): this package only defines the typed
// Go shapes and the msgtype-keyed dispatch over encoding/json, not a
// bespoke parser.
package protocol

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// MsgType is the required "msgtype" keyword every JSON frame carries.
type MsgType string

const (
	MsgVersion      MsgType = "version"
	MsgRouterConfig MsgType = "router_config"
	MsgJoinRequest  MsgType = "jreq"
	MsgUplinkFrame  MsgType = "updf"
	MsgPropFrame    MsgType = "propdf"
	MsgDnMsg        MsgType = "dnmsg"
	MsgDnSched      MsgType = "dnsched"
	MsgDnFrame      MsgType = "dnframe" // legacy single-frame downlink
	MsgDnTxed       MsgType = "dntxed"
	MsgTimeSync     MsgType = "timesync"
	MsgGetXTime     MsgType = "getxtime"
	MsgRunCmd       MsgType = "runcmd"
	MsgRmtSh        MsgType = "rmtsh"
	MsgEvent        MsgType = "event"
	MsgAlarm        MsgType = "alarm"
	MsgError        MsgType = "error"
)

// ErrUnknownMsgType is returned by Peek for a frame whose msgtype keyword
// is absent or not recognized; the caller drops the message and logs,
// per spec §4.7/§7 ("protocol violation from peer").
var ErrUnknownMsgType = errors.New("protocol: unknown or missing msgtype")

// Envelope peeks the msgtype keyword of a raw JSON frame without fully
// decoding the rest of it.
type Envelope struct {
	MsgType MsgType `json:"msgtype"`
}

// Peek extracts the msgtype keyword from a raw frame.
func Peek(raw []byte) (MsgType, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return "", errors.Wrap(err, "protocol: decode envelope")
	}
	if e.MsgType == "" {
		return "", ErrUnknownMsgType
	}
	return e.MsgType, nil
}

// RouterConfig is the LNS's initial "router_config" message: hardware
// spec, region, DR table, filters, and the sx130x radio config blob.
type RouterConfig struct {
	MsgType      MsgType           `json:"msgtype"`
	NetID        []int             `json:"NetID,omitempty"`
	JoinEUI      [][2]string       `json:"JoinEui,omitempty"` // inclusive hex ranges
	Region       string            `json:"region"`
	HwSpec       string            `json:"hwspec"`
	FreqRange    [2]uint32         `json:"freq_range,omitempty"`
	DRs          [][3]int          `json:"DRs,omitempty"` // {sf, bw_khz, dnonly}
	SX1301Conf   []json.RawMessage `json:"sx1301_conf,omitempty"`
	NoCCA        bool              `json:"nocca,omitempty"`
	NoDC         bool              `json:"nodc,omitempty"`
	NoDwellTime  bool              `json:"nodwell,omitempty"`
	MaxEIRP      float64           `json:"max_eirp,omitempty"`
	Bcning       *BeaconConfig     `json:"bcning,omitempty"`
}

// BeaconConfig carries the beacon layout/DR/frequency plan, when the LNS
// enables class-B beaconing for this station.
type BeaconConfig struct {
	DR        int      `json:"DR"`
	Layout    [3]int   `json:"layout"` // {timeOffset, infoDescOffset, beaconLength}; the time offset is not used
	Frequencies []uint32 `json:"freqs"`
}

// Validate checks the mandatory-field invariants router_config enforces
// before RAL configuration proceeds (spec §4.7: "Requires a non-null
// sx130x_conf").
func (c *RouterConfig) Validate() error {
	if len(c.SX1301Conf) == 0 {
		return errors.New("protocol: router_config missing sx1301_conf")
	}
	if c.HwSpec == "" {
		return errors.New("protocol: router_config missing hwspec")
	}
	return nil
}

// UpInfo carries the receive-side metadata common to every uplink report.
type UpInfo struct {
	RCtx    int64 `json:"rctx"`
	XTime   int64 `json:"xtime"`
	GPSTime int64 `json:"gpstime,omitempty"`
	FTS     int64 `json:"fts,omitempty"`
	RSSI    int16 `json:"rssi"`
	SNR     float32 `json:"snr"`
	RxTime  float64 `json:"rxtime"` // host UTC seconds.fraction
}

// JoinRequest is the uplink "jreq" report.
type JoinRequest struct {
	MsgType MsgType `json:"msgtype"`
	MHdr    uint8   `json:"MHdr"`
	JoinEUI string  `json:"JoinEui"`
	DevEUI  string  `json:"DevEui"`
	DevNonce uint16 `json:"DevNonce"`
	MIC     int32   `json:"MIC"`
	DR      int     `json:"DR"`
	Freq    uint32  `json:"Freq"`
	UpInfo  UpInfo  `json:"upinfo"`
}

// UplinkDataFrame is the uplink "updf" report for an ordinary data frame.
type UplinkDataFrame struct {
	MsgType MsgType `json:"msgtype"`
	MHdr    uint8   `json:"MHdr"`
	DevAddr uint32  `json:"DevAddr"`
	FCtrl   uint8   `json:"FCtrl"`
	FCnt    uint16  `json:"FCnt"`
	FOpts   string  `json:"FOpts,omitempty"`
	FPort   *int    `json:"FPort,omitempty"`
	FRMPayload string `json:"FRMPayload,omitempty"`
	MIC     int32   `json:"MIC"`
	DR      int     `json:"DR"`
	Freq    uint32  `json:"Freq"`
	UpInfo  UpInfo  `json:"upinfo"`
}

// PropFrame is the uplink pass-through for a proprietary (0xE0) frame.
type PropFrame struct {
	MsgType MsgType `json:"msgtype"`
	FRMPayload string `json:"FRMPayload"` // raw hex PDU
	DR      int     `json:"DR"`
	Freq    uint32  `json:"Freq"`
	UpInfo  UpInfo  `json:"upinfo"`
}

// DnMsg is an LNS class A/B/C downlink dispatch request.
type DnMsg struct {
	MsgType  MsgType `json:"msgtype"`
	DevEUI   string  `json:"DevEui"`
	Diid     int64   `json:"diid"`
	DC       int     `json:"dC"` // 0=A, 1=B(ping), 2=C
	Priority int     `json:"priority,omitempty"`
	Pdu      string  `json:"pdu"` // hex
	RxDelay  int     `json:"RxDelay"`
	RCtx     int64   `json:"rctx,omitempty"`
	XTime    int64   `json:"xtime,omitempty"`
	GPSTime  int64   `json:"gpstime,omitempty"`
	AddCrc   bool    `json:"addcrc"` // physical-layer CRC; absent means off

	DR    *int    `json:"DR,omitempty"`
	Freq  *uint32 `json:"Freq,omitempty"`
	RX1DR   *int    `json:"RX1DR,omitempty"`
	RX1Freq *uint32 `json:"RX1Freq,omitempty"`
	RX2DR   *int    `json:"RX2DR,omitempty"`
	RX2Freq *uint32 `json:"RX2Freq,omitempty"`
}

// Validate enforces the mandatory-field rules of spec §4.7's dnmsg
// handling: required identity fields, RxDelay range (0 mapped to 1), and
// that the RX1/RX2 pairs are both-present or both-absent.
func (m *DnMsg) Validate() error {
	if m.DevEUI == "" {
		return errors.New("protocol: dnmsg missing DevEui")
	}
	if len(m.Pdu) == 0 || len(m.Pdu) > 255*2 {
		return errors.New("protocol: dnmsg pdu missing or too long")
	}
	if m.RxDelay < 0 || m.RxDelay > 15 {
		return errors.New("protocol: dnmsg RxDelay out of range")
	}
	haveDR1 := m.RX1DR != nil && m.RX1Freq != nil
	haveSimple := m.DR != nil && m.Freq != nil
	if !haveDR1 && !haveSimple && m.DC != 1 {
		return errors.New("protocol: dnmsg missing RX1DR/RX1Freq (or DR/Freq)")
	}
	haveRX2 := m.RX2DR != nil && m.RX2Freq != nil
	if (m.RX2DR != nil) != (m.RX2Freq != nil) {
		return errors.New("protocol: dnmsg RX2DR/RX2Freq must both be present or both absent")
	}
	_ = haveRX2
	return nil
}

// EffectiveRxDelay returns m.RxDelay with the 0->1 remap spec §4.7 calls
// for.
func (m *DnMsg) EffectiveRxDelay() int {
	if m.RxDelay == 0 {
		return 1
	}
	return m.RxDelay
}

// DnSchedEntry is one element of a "dnsched" array: a PING (class B) slot
// if GPSTime is set, otherwise a class A job at the given ontime/xtime.
type DnSchedEntry struct {
	Diid    int64   `json:"diid"`
	DR      int     `json:"DR"`
	Freq    uint32  `json:"Freq"`
	OnTime  *float64 `json:"ontime,omitempty"`
	GPSTime *int64  `json:"gpstime,omitempty"`
	XTime   *int64  `json:"xtime,omitempty"`
	Pdu     string  `json:"pdu"`
	RCtx    *int64  `json:"rctx,omitempty"`
	AddCrc  bool    `json:"addcrc"`
}

// DnSched is the LNS's batch ping-slot/class-A schedule message.
type DnSched struct {
	MsgType MsgType        `json:"msgtype"`
	DevEUI  string         `json:"DevEui,omitempty"`
	Sched   []DnSchedEntry `json:"sched"`
}

// DnFrame is the legacy single-frame downlink message, retained for LNS
// backward compatibility.
type DnFrame struct {
	MsgType MsgType `json:"msgtype"`
	DevEUI  string  `json:"DevEui"`
	Diid    int64   `json:"diid"`
	Pdu     string  `json:"pdu"`
	DC      int     `json:"dC"`
	Freq    uint32  `json:"Freq"`
	DR      int     `json:"DR"`
	XTime   int64   `json:"xtime"`
}

// DnTxed reports the outcome of a committed downlink. Diid is echoed both
// as "diid" and the legacy "seqno" alias spec §9 calls out as kept for
// LNS backward compatibility.
type DnTxed struct {
	MsgType MsgType `json:"msgtype"`
	DevEUI  string  `json:"DevEui"`
	Diid    int64   `json:"diid"`
	Seqno   int64   `json:"seqno"`
	TxTime  float64 `json:"txtime"`
	GPSTime int64   `json:"gpstime,omitempty"`
	XTime   int64   `json:"xtime"`
}

// NewDnTxed builds a DnTxed with both diid aliases populated.
func NewDnTxed(deveui string, diid, xtime, gpstime int64, txtimeSec float64) DnTxed {
	return DnTxed{
		MsgType: MsgDnTxed, DevEUI: deveui, Diid: diid, Seqno: diid,
		TxTime: txtimeSec, GPSTime: gpstime, XTime: xtime,
	}
}

// TimeSyncReq is the station->LNS timesync burst message.
type TimeSyncReq struct {
	MsgType MsgType `json:"msgtype"`
	TxTime  int64   `json:"txtime"`
}

// TimeSyncResp is the LNS's reply: the echoed txtime and the server's
// GPS-epoch microseconds at receipt.
type TimeSyncResp struct {
	MsgType MsgType `json:"msgtype"`
	TxTime  int64   `json:"txtime"`
	GPSTime int64   `json:"gpstime"`
}

// GetXTime is a diagnostic round-trip request/response pair.
type GetXTime struct {
	MsgType MsgType `json:"msgtype"`
	RCtx    int64   `json:"rctx"`
	XTime   int64   `json:"xtime,omitempty"`
}

// RunCmd asks the station to execute a named maintenance command.
type RunCmd struct {
	MsgType MsgType  `json:"msgtype"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// RmtSh is a remote-shell session control message; the actual I/O travels
// over binary WS frames (spec §6), this only opens/closes/resizes.
type RmtSh struct {
	MsgType MsgType `json:"msgtype"`
	Session int     `json:"session"`
	Action  string  `json:"action"` // "open", "close", "resize"
	Cols    int     `json:"cols,omitempty"`
	Rows    int     `json:"rows,omitempty"`
}

// Event reports an operational condition (GPS fix state, etc.) upstream.
type Event struct {
	MsgType MsgType `json:"msgtype"`
	EvCat   string  `json:"evcat"`
	EvType  string  `json:"evtype"`
	Text    string  `json:"text,omitempty"`
}

// Alarm reports a free-text operational alarm upstream.
type Alarm struct {
	MsgType MsgType `json:"msgtype"`
	Text    string  `json:"text"`
}

// ErrorMsg is the station's reply to a peer protocol violation it still
// wants to surface (most violations are simply dropped with a log, per
// spec §4.7/§7; this is for cases worth telling the LNS about).
type ErrorMsg struct {
	MsgType MsgType `json:"msgtype"`
	Error   string  `json:"error"`
}
