package wire

// SchemaVersion identifies the payload schema generation this codec
// decodes. It is reported at connect time so mismatched firmware shows
// up in the logs.
const SchemaVersion = 2

// Broadcast is the to-node sentinel meaning "every node on the channel".
const Broadcast uint32 = 0xFFFFFFFF

// FromRadio envelope field numbers (oneof payload variant).
const (
	fromRadioPacket   = 1
	fromRadioNodeInfo = 2
	fromRadioChannel  = 3
)

// ToRadio envelope field numbers.
const (
	toRadioPacket    = 1
	toRadioHeartbeat = 2
)

// MeshPacket field numbers.
const (
	packetFrom    = 1
	packetTo      = 2
	packetChannel = 3
	packetID      = 4
	packetRxTime  = 5
	packetDecoded = 6
	packetWantAck = 7
)

// Data field numbers.
const (
	dataPortnum   = 1
	dataPayload   = 2
	dataReplyID   = 3
	dataEmoji     = 4
	dataRequestID = 5
)

// NodeInfo field numbers.
const (
	nodeInfoNum           = 1
	nodeInfoUser          = 2
	nodeInfoPosition      = 3
	nodeInfoDeviceMetrics = 4
	nodeInfoLastHeard     = 5
)

// User field numbers.
const (
	userLongName  = 1
	userShortName = 2
	userHWModel   = 3
)

// Position field numbers (coordinates are 1e-7 degree sint32).
const (
	positionLatitudeI  = 1
	positionLongitudeI = 2
	positionAltitude   = 3
)

// DeviceMetrics field numbers.
const (
	metricsBatteryLevel = 1
	metricsVoltage      = 2
	metricsChannelUtil  = 3
	metricsSNR          = 4
)

// Channel field numbers.
const (
	channelIndex    = 1
	channelName     = 2
	channelPSK      = 3
	channelUplink   = 4
	channelDownlink = 5
)

// Routing field numbers (acknowledgment carrier).
const (
	routingErrorReason = 1
)

// Portnum discriminates application payloads inside Data.
type Portnum uint32

const (
	PortUnknown   Portnum = 0
	PortText      Portnum = 1
	PortPosition  Portnum = 3
	PortNodeInfo  Portnum = 4
	PortRouting   Portnum = 5
	PortTelemetry Portnum = 67
)

func (p Portnum) String() string {
	switch p {
	case PortText:
		return "text"
	case PortPosition:
		return "position"
	case PortNodeInfo:
		return "nodeinfo"
	case PortRouting:
		return "routing"
	case PortTelemetry:
		return "telemetry"
	default:
		return "unknown"
	}
}
