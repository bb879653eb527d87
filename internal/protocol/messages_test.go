package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPeekMsgType(t *testing.T) {
	mt, err := Peek([]byte(`{"msgtype":"dnmsg","DevEui":"00-11-22-33-44-55-66-77"}`))
	require.NoError(t, err)
	require.Equal(t, MsgDnMsg, mt)
}

func TestPeekMissingMsgType(t *testing.T) {
	_, err := Peek([]byte(`{"foo":"bar"}`))
	require.ErrorIs(t, err, ErrUnknownMsgType)
}

func TestDnMsgValidate(t *testing.T) {
	dr, freq := 0, uint32(868100000)
	m := DnMsg{DevEUI: "00-11-22-33-44-55-66-77", Pdu: "01020304", RxDelay: 1, RX1DR: &dr, RX1Freq: &freq}
	require.NoError(t, m.Validate())

	m2 := m
	m2.DevEUI = ""
	require.Error(t, m2.Validate())

	m3 := m
	m3.RxDelay = 99
	require.Error(t, m3.Validate())

	m4 := m
	m4.RX1DR = nil
	m4.RX1Freq = nil
	m4.DR = nil
	m4.Freq = nil
	require.Error(t, m4.Validate())
}

func TestDnMsgAddCrcDefaultsOff(t *testing.T) {
	var m DnMsg
	require.NoError(t, json.Unmarshal([]byte(`{"msgtype":"dnmsg","DevEui":"00-11-22-33-44-55-66-77","pdu":"0102","RxDelay":1}`), &m))
	require.False(t, m.AddCrc, "addcrc absent on the wire must mean CRC off")

	require.NoError(t, json.Unmarshal([]byte(`{"msgtype":"dnmsg","pdu":"0102","addcrc":true}`), &m))
	require.True(t, m.AddCrc)
}

func TestDnMsgEffectiveRxDelay(t *testing.T) {
	m := DnMsg{RxDelay: 0}
	require.Equal(t, 1, m.EffectiveRxDelay())
	m.RxDelay = 5
	require.Equal(t, 5, m.EffectiveRxDelay())
}

func TestRouterConfigValidate(t *testing.T) {
	c := RouterConfig{HwSpec: "sx1301/1"}
	require.Error(t, c.Validate(), "missing sx1301_conf must fail")
	c.SX1301Conf = []json.RawMessage{[]byte(`{}`)}
	require.NoError(t, c.Validate())
}

func TestDnTxedSeqnoAlias(t *testing.T) {
	d := NewDnTxed("00-11-22-33-44-55-66-77", 42, 1000, 2000, 1.5)
	require.Equal(t, d.Diid, d.Seqno, "seqno must mirror diid for LNS backward compatibility")
}

func TestDnSchedRoundTrip(t *testing.T) {
	gt := int64(42_000_000)
	s := DnSched{MsgType: MsgDnSched, Sched: []DnSchedEntry{{Diid: 1, DR: 0, Freq: 868100000, GPSTime: &gt, Pdu: "aabb"}}}
	raw, err := json.Marshal(s)
	require.NoError(t, err)

	var out DnSched
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Len(t, out.Sched, 1)
	require.NotNil(t, out.Sched[0].GPSTime)
	require.Equal(t, gt, *out.Sched[0].GPSTime)
}
