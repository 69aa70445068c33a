package wire

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func uint32Ptr(v uint32) *uint32    { return &v }
func float32Ptr(v float32) *float32 { return &v }

func TestTextPacketRoundTrip(t *testing.T) {
	in := FromRadio{Packet: &MeshPacket{
		From:    0xA1B2C3D4,
		To:      Broadcast,
		Channel: 2,
		ID:      777,
		RxTime:  1700000000,
		WantAck: true,
		Decoded: &Data{
			Portnum: PortText,
			Payload: []byte("hello mesh"),
			ReplyID: 776,
			Emoji:   1,
		},
	}}
	out, err := ParseFromRadio(AppendFromRadio(nil, in))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	p := out.Packet
	if p == nil || out.NodeInfo != nil || out.Channel != nil {
		t.Fatalf("wrong envelope variant: %+v", out)
	}
	if p.From != in.Packet.From || p.To != Broadcast || p.Channel != 2 || p.ID != 777 || p.RxTime != 1700000000 || !p.WantAck {
		t.Fatalf("packet mismatch: %+v", p)
	}
	d := p.Decoded
	if d == nil || d.Portnum != PortText || string(d.Payload) != "hello mesh" || d.ReplyID != 776 || d.Emoji != 1 {
		t.Fatalf("data mismatch: %+v", d)
	}
}

func TestNodeInfoRoundTrip(t *testing.T) {
	in := FromRadio{NodeInfo: &NodeInfo{
		Num:       42,
		User:      &User{LongName: "Base Camp", ShortName: "BC", HWModel: "TBEAM"},
		Position:  &Position{LatitudeI: 520000000, LongitudeI: -45000000, Altitude: 120},
		LastHeard: 1700000123,
		DeviceMetrics: &DeviceMetrics{
			BatteryLevel: uint32Ptr(87),
			Voltage:      float32Ptr(3.91),
			SNR:          float32Ptr(-7.25),
		},
	}}
	out, err := ParseFromRadio(AppendFromRadio(nil, in))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	n := out.NodeInfo
	if n == nil {
		t.Fatalf("missing node info variant")
	}
	if n.Num != 42 || n.LastHeard != 1700000123 {
		t.Fatalf("node info mismatch: %+v", n)
	}
	if n.User == nil || n.User.LongName != "Base Camp" || n.User.ShortName != "BC" || n.User.HWModel != "TBEAM" {
		t.Fatalf("user mismatch: %+v", n.User)
	}
	if n.Position == nil || n.Position.LatitudeI != 520000000 || n.Position.LongitudeI != -45000000 {
		t.Fatalf("position mismatch: %+v", n.Position)
	}
	if got := n.Position.Latitude(); math.Abs(got-52.0) > 1e-6 {
		t.Fatalf("latitude conversion: got %v", got)
	}
	dm := n.DeviceMetrics
	if dm == nil || dm.BatteryLevel == nil || *dm.BatteryLevel != 87 {
		t.Fatalf("metrics mismatch: %+v", dm)
	}
	if dm.Voltage == nil || *dm.Voltage != 3.91 || dm.SNR == nil || *dm.SNR != -7.25 {
		t.Fatalf("metrics floats mismatch: %+v", dm)
	}
	if dm.ChannelUtil != nil {
		t.Fatalf("absent field decoded as present")
	}
}

func TestChannelRoundTrip(t *testing.T) {
	in := FromRadio{Channel: &Channel{
		Index:    3,
		Name:     "LongFast",
		PSK:      []byte{0x01, 0x02, 0x03},
		Uplink:   true,
		Downlink: false,
	}}
	out, err := ParseFromRadio(AppendFromRadio(nil, in))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	c := out.Channel
	if c == nil || c.Index != 3 || c.Name != "LongFast" || !bytes.Equal(c.PSK, []byte{1, 2, 3}) {
		t.Fatalf("channel mismatch: %+v", c)
	}
	if !c.Uplink || c.Downlink {
		t.Fatalf("flag mismatch: %+v", c)
	}
}

func TestRoutingAckRoundTrip(t *testing.T) {
	payload := AppendRouting(nil, Routing{ErrorReason: 0})
	in := FromRadio{Packet: &MeshPacket{
		From: 9, To: 1, ID: 1001,
		Decoded: &Data{Portnum: PortRouting, Payload: payload, RequestID: 555},
	}}
	out, err := ParseFromRadio(AppendFromRadio(nil, in))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	d := out.Packet.Decoded
	if d.Portnum != PortRouting || d.RequestID != 555 {
		t.Fatalf("routing packet mismatch: %+v", d)
	}
	r, err := ParseRouting(d.Payload)
	if err != nil {
		t.Fatalf("parse routing: %v", err)
	}
	if r.ErrorReason != 0 {
		t.Fatalf("expected delivered ack, got reason %d", r.ErrorReason)
	}
}

func TestToRadioHeartbeat(t *testing.T) {
	out, err := ParseToRadio(AppendToRadio(nil, ToRadio{Heartbeat: true}))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !out.Heartbeat || out.Packet != nil {
		t.Fatalf("heartbeat mismatch: %+v", out)
	}
}

func TestParseMalformedPayload(t *testing.T) {
	cases := [][]byte{
		{0xFF},             // truncated tag
		{0x0A, 0x05, 0x01}, // length exceeds remaining bytes
	}
	for _, raw := range cases {
		if _, err := ParseFromRadio(raw); !errors.Is(err, ErrMalformedPayload) {
			t.Fatalf("input %x: expected ErrMalformedPayload, got %v", raw, err)
		}
	}
}

func TestParseSkipsUnknownFields(t *testing.T) {
	b := AppendFromRadio(nil, FromRadio{NodeInfo: &NodeInfo{Num: 7}})
	// A future-firmware field this schema generation does not know.
	b = protowire.AppendTag(b, 99, protowire.VarintType)
	b = protowire.AppendVarint(b, 1234)

	out, err := ParseFromRadio(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out.NodeInfo == nil || out.NodeInfo.Num != 7 {
		t.Fatalf("known fields lost around unknown field: %+v", out)
	}
}
