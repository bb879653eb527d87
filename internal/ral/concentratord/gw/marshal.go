package gw

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"
)

// ErrNoDownlinkItems is returned by MarshalDownlinkFrame for an empty frame.
var ErrNoDownlinkItems = errors.New("gw: downlink frame has no items")

// ErrShort is returned by the Unmarshal* functions when data is too short
// for its declared layout.
var ErrShort = errors.New("gw: frame too short")

// MarshalDownlinkFrame serializes a DownlinkFrame's first item into
// Concentratord's wire layout:
//
//	4B downlink_id | 4B frequency | 4B power (i32) | 4B bandwidth |
//	4B spreading_factor | 1B code_rate | 1B timing (0=immediate,
//	1=gps_epoch) | 8B timing value (ns) | 2B payload length | payload
//
// (32 fixed bytes, then the payload)
func MarshalDownlinkFrame(dl *DownlinkFrame) ([]byte, error) {
	if len(dl.Items) == 0 {
		return nil, ErrNoDownlinkItems
	}
	item := dl.Items[0]
	tx := item.TxInfo

	buf := make([]byte, 32+len(item.PhyPayload))
	binary.LittleEndian.PutUint32(buf[0:4], dl.DownlinkID)
	binary.LittleEndian.PutUint32(buf[4:8], tx.Frequency)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(tx.Power))
	if tx.Modulation != nil && tx.Modulation.Lora != nil {
		binary.LittleEndian.PutUint32(buf[12:16], tx.Modulation.Lora.Bandwidth)
		binary.LittleEndian.PutUint32(buf[16:20], tx.Modulation.Lora.SpreadingFactor)
		buf[20] = byte(tx.Modulation.Lora.CodeRate)
	}
	if tx.Timing != nil && tx.Timing.GPSEpoch != nil {
		buf[21] = 1
		binary.LittleEndian.PutUint64(buf[22:30], uint64(tx.Timing.GPSEpoch.TimeSinceGpsEpochNanos))
	}
	binary.LittleEndian.PutUint16(buf[30:32], uint16(len(item.PhyPayload)))
	copy(buf[32:], item.PhyPayload)
	return buf, nil
}

// UnmarshalEvent dispatches an "up"/"stats" event frame published by
// Concentratord on its event socket.
func UnmarshalEvent(eventType string, data []byte) (*Event, error) {
	switch eventType {
	case "up":
		up, err := UnmarshalUplinkFrame(data)
		if err != nil {
			return nil, err
		}
		return &Event{UplinkFrame: up}, nil
	case "stats":
		st, err := UnmarshalGatewayStats(data)
		if err != nil {
			return nil, err
		}
		return &Event{GatewayStats: st}, nil
	default:
		return nil, errors.Newf("gw: unknown event type %q", eventType)
	}
}

// UnmarshalUplinkFrame parses Concentratord's "up" event:
//
//	4B frequency | 4B bandwidth | 4B spreading_factor | 1B code_rate |
//	4B rssi (i32) | 4B snr (float32 bits) | 2B payload length | payload
func UnmarshalUplinkFrame(data []byte) (*UplinkFrame, error) {
	if len(data) < 23 {
		return nil, ErrShort
	}
	freq := binary.LittleEndian.Uint32(data[0:4])
	bw := binary.LittleEndian.Uint32(data[4:8])
	sf := binary.LittleEndian.Uint32(data[8:12])
	cr := CodeRate(data[12])
	rssi := int32(binary.LittleEndian.Uint32(data[13:17]))
	snrBits := binary.LittleEndian.Uint32(data[17:21])
	plen := int(binary.LittleEndian.Uint16(data[21:23]))
	if len(data) < 23+plen {
		return nil, ErrShort
	}
	return &UplinkFrame{
		PhyPayload: append([]byte(nil), data[23:23+plen]...),
		TxInfo: &UplinkTxInfo{
			Frequency:  freq,
			Modulation: &Modulation{Lora: &LoraModulationInfo{Bandwidth: bw, SpreadingFactor: sf, CodeRate: cr}},
		},
		RxInfo: &UplinkRxInfo{
			RSSI: rssi,
			SNR:  math.Float32frombits(snrBits),
		},
	}, nil
}

// UnmarshalGatewayStats parses Concentratord's "stats" event:
// 4B rx_received | 4B rx_received_ok | 4B tx_received | 4B tx_emitted.
func UnmarshalGatewayStats(data []byte) (*GatewayStats, error) {
	if len(data) < 16 {
		return nil, ErrShort
	}
	return &GatewayStats{
		RxPacketsReceived:   binary.LittleEndian.Uint32(data[0:4]),
		RxPacketsReceivedOk: binary.LittleEndian.Uint32(data[4:8]),
		TxPacketsReceived:   binary.LittleEndian.Uint32(data[8:12]),
		TxPacketsEmitted:    binary.LittleEndian.Uint32(data[12:16]),
	}, nil
}

// UnmarshalDownlinkTxAck parses the reply to a "down" command:
// 4B downlink_id | 4B status.
func UnmarshalDownlinkTxAck(data []byte) (*DownlinkTxAck, error) {
	if len(data) < 8 {
		return nil, ErrShort
	}
	return &DownlinkTxAck{
		DownlinkID: binary.LittleEndian.Uint32(data[0:4]),
		Items:      []*DownlinkTxAckItem{{Status: TxAckStatus(binary.LittleEndian.Uint32(data[4:8]))}},
	}, nil
}

// UnmarshalGetGatewayIDResponse parses the reply to a "gateway_id" command:
// an 8-byte EUI, rendered as lowercase hex.
func UnmarshalGetGatewayIDResponse(data []byte) (*GetGatewayIDResponse, error) {
	if len(data) < 8 {
		return nil, ErrShort
	}
	const hex = "0123456789abcdef"
	out := make([]byte, 16)
	for i, b := range data[:8] {
		out[i*2] = hex[b>>4]
		out[i*2+1] = hex[b&0x0f]
	}
	return &GetGatewayIDResponse{GatewayID: string(out)}, nil
}
