package mesh

import "time"

// Node is the store's record of one mesh participant. Nodes are created
// or updated from node-info and telemetry traffic and never deleted; a
// silent node remains as a historical record.
type Node struct {
	NodeID    string `json:"node_id"`
	LongName  string `json:"long_name,omitempty"`
	ShortName string `json:"short_name,omitempty"`
	HWModel   string `json:"hw_model,omitempty"`

	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Altitude  *int32   `json:"altitude,omitempty"`

	BatteryLevel *uint32  `json:"battery_level,omitempty"`
	Voltage      *float64 `json:"voltage,omitempty"`
	ChannelUtil  *float64 `json:"channel_util,omitempty"`
	SNR          *float64 `json:"snr,omitempty"`

	LastHeard time.Time `json:"last_heard,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// Channel is one of the radio's configured channels. Identity (Index)
// is immutable; attributes update in place.
type Channel struct {
	Index     uint32    `json:"index"`
	Name      string    `json:"name,omitempty"`
	PSK       []byte    `json:"psk,omitempty"`
	Uplink    bool      `json:"uplink"`
	Downlink  bool      `json:"downlink"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// Message is one text message or reaction observed on the mesh. ID is
// assigned by the origin node and is the deduplication key. ReplyID is a
// weak back-reference: the referenced message may arrive later or never.
// Emoji nonzero marks the message as a reaction to ReplyID.
type Message struct {
	ID           string    `json:"id"`
	From         string    `json:"from"`
	To           string    `json:"to,omitempty"`
	Broadcast    bool      `json:"broadcast,omitempty"`
	Channel      uint32    `json:"channel"`
	Text         string    `json:"text"`
	Timestamp    time.Time `json:"timestamp"`
	ReplyID      string    `json:"reply_id,omitempty"`
	Emoji        uint32    `json:"emoji,omitempty"`
	Acknowledged bool      `json:"acknowledged"`
	Outbound     bool      `json:"outbound,omitempty"`
}

// IsReaction reports whether the message is an emoji reaction rather
// than an ordinary message.
func (m Message) IsReaction() bool {
	return m.Emoji != 0 && m.ReplyID != ""
}
