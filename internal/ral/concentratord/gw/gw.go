// Package gw holds the subset of the ChirpStack Concentratord gateway API
// (https://github.com/chirpstack/chirpstack/blob/master/api/proto/gw/gw.proto)
// this station needs, hand-defined to avoid a protoc build step.
package gw

// CodeRate is a LoRa coding rate.
type CodeRate int32

const (
	CodeRateUndefined CodeRate = 0
	CodeRate4_5       CodeRate = 1
	CodeRate4_6       CodeRate = 2
	CodeRate4_7       CodeRate = 3
	CodeRate4_8       CodeRate = 4
)

func (c CodeRate) String() string {
	switch c {
	case CodeRate4_5:
		return "4/5"
	case CodeRate4_6:
		return "4/6"
	case CodeRate4_7:
		return "4/7"
	case CodeRate4_8:
		return "4/8"
	default:
		return "undefined"
	}
}

// TxAckStatus is the status Concentratord reports for a downlink attempt.
type TxAckStatus int32

const (
	TxAckIgnored           TxAckStatus = 0
	TxAckOK                TxAckStatus = 1
	TxAckTooLate           TxAckStatus = 2
	TxAckTooEarly          TxAckStatus = 3
	TxAckCollisionPacket   TxAckStatus = 4
	TxAckCollisionBeacon   TxAckStatus = 5
	TxAckTxFreq            TxAckStatus = 6
	TxAckTxPower           TxAckStatus = 7
	TxAckGPSUnlocked       TxAckStatus = 8
	TxAckQueueFull         TxAckStatus = 9
	TxAckInternalError     TxAckStatus = 10
	TxAckDutyCycleOverflow TxAckStatus = 11
)

func (s TxAckStatus) String() string {
	switch s {
	case TxAckOK:
		return "OK"
	case TxAckTooLate:
		return "TOO_LATE"
	case TxAckTooEarly:
		return "TOO_EARLY"
	case TxAckCollisionPacket:
		return "COLLISION_PACKET"
	case TxAckCollisionBeacon:
		return "COLLISION_BEACON"
	case TxAckTxFreq:
		return "TX_FREQ"
	case TxAckTxPower:
		return "TX_POWER"
	case TxAckGPSUnlocked:
		return "GPS_UNLOCKED"
	case TxAckQueueFull:
		return "QUEUE_FULL"
	case TxAckInternalError:
		return "INTERNAL_ERROR"
	case TxAckDutyCycleOverflow:
		return "DUTY_CYCLE_OVERFLOW"
	default:
		return "IGNORED"
	}
}

// Event wraps the two event kinds Concentratord publishes; exactly one
// field is set.
type Event struct {
	UplinkFrame  *UplinkFrame
	GatewayStats *GatewayStats
}

// UplinkFrame is a received LoRa frame.
type UplinkFrame struct {
	PhyPayload []byte
	TxInfo     *UplinkTxInfo
	RxInfo     *UplinkRxInfo
}

// UplinkTxInfo carries the modulation the frame was received with.
type UplinkTxInfo struct {
	Frequency  uint32
	Modulation *Modulation
}

// UplinkRxInfo carries receive-side metadata.
type UplinkRxInfo struct {
	GatewayID string
	UplinkID  uint32
	RSSI      int32
	SNR       float32
	Channel   uint32
	RFChain   uint32
	Context   []byte
	CRCStatus CRCStatus
}

// CRCStatus is the CRC check result Concentratord reports for an uplink.
type CRCStatus int32

const (
	CRCNone CRCStatus = 0
	CRCBad  CRCStatus = 1
	CRCOK   CRCStatus = 2
)

// DownlinkFrame is a transmission request sent to Concentratord.
type DownlinkFrame struct {
	DownlinkID uint32
	GatewayID  string
	Items      []*DownlinkFrameItem
}

// DownlinkFrameItem is one transmit opportunity within a DownlinkFrame;
// Concentratord tries each in order until one is accepted.
type DownlinkFrameItem struct {
	PhyPayload []byte
	TxInfo     *DownlinkTxInfo
}

// DownlinkTxInfo carries the transmit parameters for one item.
type DownlinkTxInfo struct {
	Frequency  uint32
	Power      int32
	Modulation *Modulation
	Antenna    uint32
	Timing     *Timing
	Context    []byte
}

// Modulation wraps the LoRa/FSK variant; exactly one field is set.
type Modulation struct {
	Lora *LoraModulationInfo
	Fsk  *FskModulationInfo
}

// LoraModulationInfo is the LoRa modulation parameter set.
type LoraModulationInfo struct {
	Bandwidth             uint32
	SpreadingFactor       uint32
	CodeRate              CodeRate
	PolarizationInversion bool
	Preamble              uint32
	NoCrc                 bool
}

// FskModulationInfo is the FSK modulation parameter set.
type FskModulationInfo struct {
	FrequencyDeviation uint32
	Datarate           uint32
}

// Timing selects when a downlink item fires; exactly one field is set.
type Timing struct {
	Immediately *ImmediatelyTimingInfo
	Delay       *DelayTimingInfo
	GPSEpoch    *GPSEpochTimingInfo
}

// ImmediatelyTimingInfo requests transmission as soon as possible.
type ImmediatelyTimingInfo struct{}

// DelayTimingInfo requests transmission after a fixed delay from receipt.
type DelayTimingInfo struct {
	DelayNanos int64
}

// GPSEpochTimingInfo requests transmission at an absolute GPS time, which
// is how this station schedules class A/B/C downlinks (xtime converted to
// nanoseconds since the GPS epoch).
type GPSEpochTimingInfo struct {
	TimeSinceGpsEpochNanos int64
}

// DownlinkTxAck is Concentratord's reply to a DownlinkFrame.
type DownlinkTxAck struct {
	GatewayID  string
	DownlinkID uint32
	Items      []*DownlinkTxAckItem
}

// DownlinkTxAckItem reports the outcome of one DownlinkFrameItem.
type DownlinkTxAckItem struct {
	Status TxAckStatus
}

// GatewayStats is the periodic stats event Concentratord publishes.
type GatewayStats struct {
	GatewayID           string
	RxPacketsReceived   uint32
	RxPacketsReceivedOk uint32
	TxPacketsReceived   uint32
	TxPacketsEmitted    uint32
}

// GetGatewayIDResponse answers a gateway_id command.
type GetGatewayIDResponse struct {
	GatewayID string
}
