package radio

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshmon/meshmon/internal/mesh"
	"github.com/meshmon/meshmon/internal/observability"
	"github.com/meshmon/meshmon/internal/protocol/frame"
	"github.com/meshmon/meshmon/internal/protocol/wire"
)

const (
	// MaxTextLen bounds outbound message text. The mesh fragments
	// nothing; text must fit one packet alongside its framing.
	MaxTextLen = 200

	// MaxChannelIndex is the highest channel slot radios configure.
	MaxChannelIndex = 7

	// LocalNodeID labels outbound messages before the radio reports an
	// origin for them.
	LocalNodeID = "local"
)

var (
	ErrTextRequired   = errors.New("radio: message text required")
	ErrTextTooLong    = errors.New("radio: message text too long")
	ErrChannelRange   = errors.New("radio: channel index out of range")
	ErrBadDestination = errors.New("radio: invalid destination node id")
	ErrBadReplyID     = errors.New("radio: invalid reply id")
)

// MeshEvent is the closed set of typed events decoded from frame
// payloads. Every variant is handled exhaustively by Session.apply.
type MeshEvent interface {
	Kind() string
}

type NodeInfoEvent struct{ Node mesh.Node }

type TelemetryEvent struct{ Node mesh.Node }

type ChannelInfoEvent struct{ Channel mesh.Channel }

type TextMessageEvent struct{ Message mesh.Message }

type AckEvent struct {
	MessageID string
	Delivered bool
	Reason    uint32
}

type UnknownEvent struct{ Portnum wire.Portnum }

func (NodeInfoEvent) Kind() string    { return "node_info" }
func (TelemetryEvent) Kind() string   { return "telemetry" }
func (ChannelInfoEvent) Kind() string { return "channel_info" }
func (TextMessageEvent) Kind() string { return "text_message" }
func (AckEvent) Kind() string         { return "acknowledgment" }
func (UnknownEvent) Kind() string     { return "unknown" }

// Transport is the outbound surface Session needs from the connection
// manager.
type Transport interface {
	Send(payload []byte) error
}

// Session interprets decoded frames as mesh events and applies them to
// the store. It also constructs outbound text messages. Frames arrive
// in order from a single goroutine; SendMessage may be called
// concurrently by external request handlers.
type Session struct {
	store     *mesh.Store
	transport Transport
	outbox    *Outbox
	packetID  atomic.Uint32
}

func NewSession(store *mesh.Store) *Session {
	s := &Session{
		store:  store,
		outbox: NewOutbox(),
	}
	s.packetID.Store(uint32(time.Now().UnixNano()))
	return s
}

// BindTransport attaches the connection manager. Construction order
// requires this two-step: the client needs the session as its frame
// handler, the session needs the client for sends.
func (s *Session) BindTransport(t Transport) {
	s.transport = t
}

// Outbox exposes the pending-ack tracker for status surfaces.
func (s *Session) Outbox() *Outbox {
	return s.outbox
}

// HandleFrame implements FrameHandler. Decode failures are dropped with
// a recorded error; they are never fatal to the session.
func (s *Session) HandleFrame(f frame.Frame) {
	ev, err := DecodeEvent(f.Payload)
	if err != nil {
		observability.RecordPayloadDecodeFailure()
		log.Warn().Err(err).Int("len", len(f.Payload)).Msg("dropping undecodable payload")
		return
	}
	observability.RecordEvent(ev.Kind())
	s.apply(ev)
}

// DecodeEvent maps one frame payload onto the closed event set.
func DecodeEvent(payload []byte) (MeshEvent, error) {
	env, err := wire.ParseFromRadio(payload)
	if err != nil {
		return nil, err
	}

	switch {
	case env.NodeInfo != nil:
		return NodeInfoEvent{Node: nodeFromInfo(*env.NodeInfo)}, nil
	case env.Channel != nil:
		return ChannelInfoEvent{Channel: mesh.Channel{
			Index:    env.Channel.Index,
			Name:     env.Channel.Name,
			PSK:      env.Channel.PSK,
			Uplink:   env.Channel.Uplink,
			Downlink: env.Channel.Downlink,
		}}, nil
	case env.Packet != nil:
		return decodePacket(*env.Packet)
	default:
		return UnknownEvent{Portnum: wire.PortUnknown}, nil
	}
}

func decodePacket(p wire.MeshPacket) (MeshEvent, error) {
	if p.Decoded == nil {
		return UnknownEvent{Portnum: wire.PortUnknown}, nil
	}
	d := *p.Decoded

	switch d.Portnum {
	case wire.PortText:
		msg := mesh.Message{
			ID:        strconv.FormatUint(uint64(p.ID), 10),
			From:      FormatNodeID(p.From),
			Channel:   p.Channel,
			Text:      string(d.Payload),
			Timestamp: packetTime(p.RxTime),
			Emoji:     d.Emoji,
		}
		if p.To == wire.Broadcast {
			msg.Broadcast = true
		} else {
			msg.To = FormatNodeID(p.To)
		}
		if d.ReplyID != 0 {
			msg.ReplyID = strconv.FormatUint(uint64(d.ReplyID), 10)
		}
		return TextMessageEvent{Message: msg}, nil

	case wire.PortNodeInfo:
		user, err := wire.ParseUser(d.Payload)
		if err != nil {
			return nil, err
		}
		return NodeInfoEvent{Node: mesh.Node{
			NodeID:    FormatNodeID(p.From),
			LongName:  strings.TrimSpace(user.LongName),
			ShortName: strings.TrimSpace(user.ShortName),
			HWModel:   user.HWModel,
			LastHeard: packetTime(p.RxTime),
		}}, nil

	case wire.PortTelemetry:
		dm, err := wire.ParseDeviceMetrics(d.Payload)
		if err != nil {
			return nil, err
		}
		node := mesh.Node{
			NodeID:    FormatNodeID(p.From),
			LastHeard: packetTime(p.RxTime),
		}
		applyDeviceMetrics(&node, &dm)
		return TelemetryEvent{Node: node}, nil

	case wire.PortPosition:
		pos, err := wire.ParsePosition(d.Payload)
		if err != nil {
			return nil, err
		}
		node := mesh.Node{
			NodeID:    FormatNodeID(p.From),
			LastHeard: packetTime(p.RxTime),
		}
		applyPosition(&node, &pos)
		// Position folds into the node record; it is node info, not a
		// distinct event kind.
		return NodeInfoEvent{Node: node}, nil

	case wire.PortRouting:
		if d.RequestID == 0 {
			return UnknownEvent{Portnum: d.Portnum}, nil
		}
		routing, err := wire.ParseRouting(d.Payload)
		if err != nil {
			return nil, err
		}
		return AckEvent{
			MessageID: strconv.FormatUint(uint64(d.RequestID), 10),
			Delivered: routing.ErrorReason == 0,
			Reason:    routing.ErrorReason,
		}, nil

	default:
		return UnknownEvent{Portnum: d.Portnum}, nil
	}
}

func (s *Session) apply(ev MeshEvent) {
	switch e := ev.(type) {
	case NodeInfoEvent:
		if _, err := s.store.UpsertNode(e.Node); err != nil {
			log.Error().Err(err).Str("node", e.Node.NodeID).Msg("node upsert failed")
		}
	case TelemetryEvent:
		if _, err := s.store.UpsertNode(e.Node); err != nil {
			log.Error().Err(err).Str("node", e.Node.NodeID).Msg("telemetry upsert failed")
		}
	case ChannelInfoEvent:
		if err := s.store.UpsertChannel(e.Channel); err != nil {
			log.Error().Err(err).Uint32("channel", e.Channel.Index).Msg("channel upsert failed")
		}
	case TextMessageEvent:
		if _, err := s.store.UpsertMessage(e.Message); err != nil {
			log.Error().Err(err).Str("id", e.Message.ID).Msg("message upsert failed")
		}
	case AckEvent:
		if _, err := s.store.MarkAcknowledged(e.MessageID); err != nil {
			log.Error().Err(err).Str("id", e.MessageID).Msg("ack update failed")
		}
		s.outbox.Remove(e.MessageID)
		if !e.Delivered {
			log.Warn().Str("id", e.MessageID).Uint32("reason", e.Reason).Msg("message delivery failed")
		}
	case UnknownEvent:
		log.Debug().Str("portnum", e.Portnum.String()).Msg("ignoring unhandled payload kind")
	}
}

// SendRequest describes one outbound text message or reaction.
type SendRequest struct {
	Text string `json:"text"`
	// Channel is the channel index to send on.
	Channel uint32 `json:"channel"`
	// Destination is a node id; empty means broadcast.
	Destination string `json:"destination,omitempty"`
	// ReplyID references the message being replied or reacted to.
	ReplyID string `json:"reply_id,omitempty"`
	// Emoji nonzero marks the send as a reaction to ReplyID.
	Emoji uint32 `json:"emoji,omitempty"`
}

// SendMessage validates, encodes, and transmits one message. It does
// not wait for delivery: the acknowledgment arrives asynchronously as
// its own event, correlated back by message ID.
func (s *Session) SendMessage(ctx context.Context, req SendRequest) (mesh.Message, error) {
	if err := ctx.Err(); err != nil {
		return mesh.Message{}, err
	}
	if strings.TrimSpace(req.Text) == "" {
		return mesh.Message{}, ErrTextRequired
	}
	if len(req.Text) > MaxTextLen {
		return mesh.Message{}, fmt.Errorf("%w: %d bytes, max %d", ErrTextTooLong, len(req.Text), MaxTextLen)
	}
	if req.Channel > MaxChannelIndex {
		return mesh.Message{}, fmt.Errorf("%w: %d", ErrChannelRange, req.Channel)
	}

	to := wire.Broadcast
	if req.Destination != "" {
		num, err := ParseNodeID(req.Destination)
		if err != nil {
			return mesh.Message{}, fmt.Errorf("%w: %q", ErrBadDestination, req.Destination)
		}
		to = num
	}

	var replyID uint32
	if req.ReplyID != "" {
		v, err := strconv.ParseUint(req.ReplyID, 10, 32)
		if err != nil {
			return mesh.Message{}, fmt.Errorf("%w: %q", ErrBadReplyID, req.ReplyID)
		}
		replyID = uint32(v)
	}

	id := s.nextPacketID()
	now := time.Now()
	pkt := wire.MeshPacket{
		To:      to,
		Channel: req.Channel,
		ID:      id,
		RxTime:  uint32(now.Unix()),
		WantAck: true,
		Decoded: &wire.Data{
			Portnum: wire.PortText,
			Payload: []byte(req.Text),
			ReplyID: replyID,
			Emoji:   req.Emoji,
		},
	}
	payload := wire.AppendToRadio(nil, wire.ToRadio{Packet: &pkt})
	if err := s.transport.Send(payload); err != nil {
		return mesh.Message{}, err
	}

	msg := mesh.Message{
		ID:        strconv.FormatUint(uint64(id), 10),
		From:      LocalNodeID,
		Channel:   req.Channel,
		Text:      req.Text,
		Timestamp: now,
		ReplyID:   req.ReplyID,
		Emoji:     req.Emoji,
		Outbound:  true,
	}
	if to == wire.Broadcast {
		msg.Broadcast = true
	} else {
		msg.To = req.Destination
	}
	if _, err := s.store.UpsertMessage(msg); err != nil {
		return mesh.Message{}, err
	}
	s.outbox.Track(PendingSend{
		MessageID: msg.ID,
		Channel:   req.Channel,
		QueuedAt:  now,
	})
	return msg, nil
}

func (s *Session) nextPacketID() uint32 {
	for {
		if id := s.packetID.Add(1); id != 0 {
			return id
		}
	}
}

func nodeFromInfo(info wire.NodeInfo) mesh.Node {
	node := mesh.Node{NodeID: FormatNodeID(info.Num)}
	if info.User != nil {
		node.LongName = strings.TrimSpace(info.User.LongName)
		node.ShortName = strings.TrimSpace(info.User.ShortName)
		node.HWModel = info.User.HWModel
	}
	applyPosition(&node, info.Position)
	applyDeviceMetrics(&node, info.DeviceMetrics)
	if info.LastHeard != 0 {
		node.LastHeard = time.Unix(int64(info.LastHeard), 0)
	}
	return node
}

func applyPosition(node *mesh.Node, pos *wire.Position) {
	if pos == nil {
		return
	}
	lat, lon := pos.Latitude(), pos.Longitude()
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return
	}
	node.Latitude = &lat
	node.Longitude = &lon
	if pos.Altitude != 0 {
		alt := pos.Altitude
		node.Altitude = &alt
	}
}

func applyDeviceMetrics(node *mesh.Node, dm *wire.DeviceMetrics) {
	if dm == nil {
		return
	}
	if dm.BatteryLevel != nil {
		v := *dm.BatteryLevel
		node.BatteryLevel = &v
	}
	if dm.Voltage != nil {
		v := float64(*dm.Voltage)
		node.Voltage = &v
	}
	if dm.ChannelUtil != nil {
		v := float64(*dm.ChannelUtil)
		node.ChannelUtil = &v
	}
	if dm.SNR != nil {
		v := float64(*dm.SNR)
		node.SNR = &v
	}
}

// FormatNodeID renders a node number in the conventional !hex form.
func FormatNodeID(num uint32) string {
	if num == 0 {
		return "unknown"
	}
	return fmt.Sprintf("!%08x", num)
}

// ParseNodeID accepts the !hex form or a bare decimal node number.
func ParseNodeID(raw string) (uint32, error) {
	raw = strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(raw, "!"); ok {
		v, err := strconv.ParseUint(rest, 16, 32)
		if err != nil {
			return 0, err
		}
		return uint32(v), nil
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

func packetTime(epochSec uint32) time.Time {
	if epochSec == 0 {
		return time.Now()
	}
	return time.Unix(int64(epochSec), 0)
}
