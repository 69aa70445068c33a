// Package wire encodes and decodes the radio's serialized payload
// schema. The schema is fixed and versioned; messages are protobuf wire
// format decoded by field number with protowire, so no generated code or
// descriptor machinery is involved. Unknown fields are skipped, which
// keeps the codec tolerant of newer firmware adding fields.
package wire

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

var ErrMalformedPayload = errors.New("wire: malformed payload")

// PositionScale converts the wire's integer coordinates to degrees.
const PositionScale = 1e-7

// FromRadio is the device-to-client envelope. Exactly one variant field
// is set on a well-formed envelope.
type FromRadio struct {
	Packet   *MeshPacket
	NodeInfo *NodeInfo
	Channel  *Channel
}

// ToRadio is the client-to-device envelope.
type ToRadio struct {
	Packet    *MeshPacket
	Heartbeat bool
}

// MeshPacket is one routed mesh datagram.
type MeshPacket struct {
	From    uint32
	To      uint32
	Channel uint32
	ID      uint32
	RxTime  uint32
	Decoded *Data
	WantAck bool
}

// Data is the application payload inside a MeshPacket, discriminated by
// Portnum.
type Data struct {
	Portnum   Portnum
	Payload   []byte
	ReplyID   uint32
	Emoji     uint32
	RequestID uint32
}

// NodeInfo is the device's record of one mesh node.
type NodeInfo struct {
	Num           uint32
	User          *User
	Position      *Position
	DeviceMetrics *DeviceMetrics
	LastHeard     uint32
}

// User carries node display identity.
type User struct {
	LongName  string
	ShortName string
	HWModel   string
}

// Position is a 1e-7 degree scaled coordinate pair.
type Position struct {
	LatitudeI  int32
	LongitudeI int32
	Altitude   int32
}

// Latitude returns the position latitude in degrees.
func (p Position) Latitude() float64 { return float64(p.LatitudeI) * PositionScale }

// Longitude returns the position longitude in degrees.
func (p Position) Longitude() float64 { return float64(p.LongitudeI) * PositionScale }

// DeviceMetrics is node telemetry. Fields are pointers because the
// device reports sparse updates; absent fields must not clobber known
// values downstream.
type DeviceMetrics struct {
	BatteryLevel *uint32
	Voltage      *float32
	ChannelUtil  *float32
	SNR          *float32
}

// Channel describes one of the device's configured channels.
type Channel struct {
	Index    uint32
	Name     string
	PSK      []byte
	Uplink   bool
	Downlink bool
}

// Routing is the acknowledgment carrier payload. ErrorReason zero means
// the referenced packet was delivered.
type Routing struct {
	ErrorReason uint32
}

// --- encoding ---

// AppendToRadio appends the envelope's wire bytes to b.
func AppendToRadio(b []byte, m ToRadio) []byte {
	if m.Packet != nil {
		b = appendMessage(b, toRadioPacket, AppendMeshPacket(nil, *m.Packet))
	}
	if m.Heartbeat {
		b = protowire.AppendTag(b, toRadioHeartbeat, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

// AppendFromRadio appends the envelope's wire bytes to b.
func AppendFromRadio(b []byte, m FromRadio) []byte {
	if m.Packet != nil {
		b = appendMessage(b, fromRadioPacket, AppendMeshPacket(nil, *m.Packet))
	}
	if m.NodeInfo != nil {
		b = appendMessage(b, fromRadioNodeInfo, AppendNodeInfo(nil, *m.NodeInfo))
	}
	if m.Channel != nil {
		b = appendMessage(b, fromRadioChannel, AppendChannel(nil, *m.Channel))
	}
	return b
}

func AppendMeshPacket(b []byte, m MeshPacket) []byte {
	b = appendUint(b, packetFrom, uint64(m.From))
	b = appendUint(b, packetTo, uint64(m.To))
	b = appendUint(b, packetChannel, uint64(m.Channel))
	b = appendUint(b, packetID, uint64(m.ID))
	b = appendUint(b, packetRxTime, uint64(m.RxTime))
	if m.Decoded != nil {
		b = appendMessage(b, packetDecoded, AppendData(nil, *m.Decoded))
	}
	if m.WantAck {
		b = appendUint(b, packetWantAck, 1)
	}
	return b
}

func AppendData(b []byte, m Data) []byte {
	b = appendUint(b, dataPortnum, uint64(m.Portnum))
	if len(m.Payload) > 0 {
		b = appendMessage(b, dataPayload, m.Payload)
	}
	b = appendUint(b, dataReplyID, uint64(m.ReplyID))
	b = appendUint(b, dataEmoji, uint64(m.Emoji))
	b = appendUint(b, dataRequestID, uint64(m.RequestID))
	return b
}

func AppendNodeInfo(b []byte, m NodeInfo) []byte {
	b = appendUint(b, nodeInfoNum, uint64(m.Num))
	if m.User != nil {
		b = appendMessage(b, nodeInfoUser, AppendUser(nil, *m.User))
	}
	if m.Position != nil {
		b = appendMessage(b, nodeInfoPosition, AppendPosition(nil, *m.Position))
	}
	if m.DeviceMetrics != nil {
		b = appendMessage(b, nodeInfoDeviceMetrics, AppendDeviceMetrics(nil, *m.DeviceMetrics))
	}
	b = appendUint(b, nodeInfoLastHeard, uint64(m.LastHeard))
	return b
}

func AppendUser(b []byte, m User) []byte {
	b = appendString(b, userLongName, m.LongName)
	b = appendString(b, userShortName, m.ShortName)
	b = appendString(b, userHWModel, m.HWModel)
	return b
}

func AppendPosition(b []byte, m Position) []byte {
	b = appendSint(b, positionLatitudeI, m.LatitudeI)
	b = appendSint(b, positionLongitudeI, m.LongitudeI)
	b = appendSint(b, positionAltitude, m.Altitude)
	return b
}

func AppendDeviceMetrics(b []byte, m DeviceMetrics) []byte {
	if m.BatteryLevel != nil {
		b = appendUint(b, metricsBatteryLevel, uint64(*m.BatteryLevel))
	}
	if m.Voltage != nil {
		b = appendFloat(b, metricsVoltage, *m.Voltage)
	}
	if m.ChannelUtil != nil {
		b = appendFloat(b, metricsChannelUtil, *m.ChannelUtil)
	}
	if m.SNR != nil {
		b = appendFloat(b, metricsSNR, *m.SNR)
	}
	return b
}

func AppendChannel(b []byte, m Channel) []byte {
	b = appendUint(b, channelIndex, uint64(m.Index))
	b = appendString(b, channelName, m.Name)
	if len(m.PSK) > 0 {
		b = appendMessage(b, channelPSK, m.PSK)
	}
	if m.Uplink {
		b = appendUint(b, channelUplink, 1)
	}
	if m.Downlink {
		b = appendUint(b, channelDownlink, 1)
	}
	return b
}

func AppendRouting(b []byte, m Routing) []byte {
	return appendUint(b, routingErrorReason, uint64(m.ErrorReason))
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendSint(b []byte, num protowire.Number, v int32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(v)))
}

func appendFloat(b []byte, num protowire.Number, v float32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, sub []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}

// --- decoding ---

// ParseFromRadio decodes one device-to-client envelope.
func ParseFromRadio(b []byte) (FromRadio, error) {
	var m FromRadio
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte, uval uint64) error {
		switch num {
		case fromRadioPacket:
			p, err := ParseMeshPacket(val)
			if err != nil {
				return err
			}
			m.Packet = &p
		case fromRadioNodeInfo:
			n, err := ParseNodeInfo(val)
			if err != nil {
				return err
			}
			m.NodeInfo = &n
		case fromRadioChannel:
			c, err := ParseChannel(val)
			if err != nil {
				return err
			}
			m.Channel = &c
		}
		return nil
	})
	return m, err
}

// ParseToRadio decodes one client-to-device envelope.
func ParseToRadio(b []byte) (ToRadio, error) {
	var m ToRadio
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte, uval uint64) error {
		switch num {
		case toRadioPacket:
			p, err := ParseMeshPacket(val)
			if err != nil {
				return err
			}
			m.Packet = &p
		case toRadioHeartbeat:
			m.Heartbeat = uval != 0
		}
		return nil
	})
	return m, err
}

func ParseMeshPacket(b []byte) (MeshPacket, error) {
	var m MeshPacket
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte, uval uint64) error {
		switch num {
		case packetFrom:
			m.From = uint32(uval)
		case packetTo:
			m.To = uint32(uval)
		case packetChannel:
			m.Channel = uint32(uval)
		case packetID:
			m.ID = uint32(uval)
		case packetRxTime:
			m.RxTime = uint32(uval)
		case packetDecoded:
			d, err := ParseData(val)
			if err != nil {
				return err
			}
			m.Decoded = &d
		case packetWantAck:
			m.WantAck = uval != 0
		}
		return nil
	})
	return m, err
}

func ParseData(b []byte) (Data, error) {
	var m Data
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte, uval uint64) error {
		switch num {
		case dataPortnum:
			m.Portnum = Portnum(uval)
		case dataPayload:
			m.Payload = append([]byte(nil), val...)
		case dataReplyID:
			m.ReplyID = uint32(uval)
		case dataEmoji:
			m.Emoji = uint32(uval)
		case dataRequestID:
			m.RequestID = uint32(uval)
		}
		return nil
	})
	return m, err
}

func ParseNodeInfo(b []byte) (NodeInfo, error) {
	var m NodeInfo
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte, uval uint64) error {
		switch num {
		case nodeInfoNum:
			m.Num = uint32(uval)
		case nodeInfoUser:
			u, err := ParseUser(val)
			if err != nil {
				return err
			}
			m.User = &u
		case nodeInfoPosition:
			p, err := ParsePosition(val)
			if err != nil {
				return err
			}
			m.Position = &p
		case nodeInfoDeviceMetrics:
			dm, err := ParseDeviceMetrics(val)
			if err != nil {
				return err
			}
			m.DeviceMetrics = &dm
		case nodeInfoLastHeard:
			m.LastHeard = uint32(uval)
		}
		return nil
	})
	return m, err
}

func ParseUser(b []byte) (User, error) {
	var m User
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte, uval uint64) error {
		switch num {
		case userLongName:
			m.LongName = string(val)
		case userShortName:
			m.ShortName = string(val)
		case userHWModel:
			m.HWModel = string(val)
		}
		return nil
	})
	return m, err
}

func ParsePosition(b []byte) (Position, error) {
	var m Position
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte, uval uint64) error {
		switch num {
		case positionLatitudeI:
			m.LatitudeI = int32(protowire.DecodeZigZag(uval))
		case positionLongitudeI:
			m.LongitudeI = int32(protowire.DecodeZigZag(uval))
		case positionAltitude:
			m.Altitude = int32(protowire.DecodeZigZag(uval))
		}
		return nil
	})
	return m, err
}

func ParseDeviceMetrics(b []byte) (DeviceMetrics, error) {
	var m DeviceMetrics
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte, uval uint64) error {
		switch num {
		case metricsBatteryLevel:
			v := uint32(uval)
			m.BatteryLevel = &v
		case metricsVoltage:
			v := math.Float32frombits(uint32(uval))
			m.Voltage = &v
		case metricsChannelUtil:
			v := math.Float32frombits(uint32(uval))
			m.ChannelUtil = &v
		case metricsSNR:
			v := math.Float32frombits(uint32(uval))
			m.SNR = &v
		}
		return nil
	})
	return m, err
}

func ParseChannel(b []byte) (Channel, error) {
	var m Channel
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte, uval uint64) error {
		switch num {
		case channelIndex:
			m.Index = uint32(uval)
		case channelName:
			m.Name = string(val)
		case channelPSK:
			m.PSK = append([]byte(nil), val...)
		case channelUplink:
			m.Uplink = uval != 0
		case channelDownlink:
			m.Downlink = uval != 0
		}
		return nil
	})
	return m, err
}

func ParseRouting(b []byte) (Routing, error) {
	var m Routing
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte, uval uint64) error {
		if num == routingErrorReason {
			m.ErrorReason = uint32(uval)
		}
		return nil
	})
	return m, err
}

// walkFields iterates protobuf wire fields, handing each to fn. Varint
// and fixed32 values arrive in uval; length-delimited values in val.
// Unrecognized field numbers are skipped by fn returning nil.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, val []byte, uval uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: bad tag", ErrMalformedPayload)
		}
		b = b[n:]

		var val []byte
		var uval uint64
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: bad varint in field %d", ErrMalformedPayload, num)
			}
			uval = v
			b = b[n:]
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return fmt.Errorf("%w: bad fixed32 in field %d", ErrMalformedPayload, num)
			}
			uval = uint64(v)
			b = b[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return fmt.Errorf("%w: bad fixed64 in field %d", ErrMalformedPayload, num)
			}
			uval = v
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: bad length-delimited field %d", ErrMalformedPayload, num)
			}
			val = v
			b = b[n:]
		default:
			return fmt.Errorf("%w: unsupported wire type %d", ErrMalformedPayload, typ)
		}

		if err := fn(num, typ, val, uval); err != nil {
			return err
		}
	}
	return nil
}
