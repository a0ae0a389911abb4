package nestmq

// ReasonCode classifies the outcome of an operation toward a client.
// The values follow the MQTT v5.0 reason code space so an external codec
// can put them on the wire unchanged.
type ReasonCode byte

const (
	ReasonSuccess ReasonCode = 0x00

	ReasonGrantedQoS1 ReasonCode = 0x01

	ReasonGrantedQoS2 ReasonCode = 0x02

	ReasonNoMatchingSubscribers ReasonCode = 0x10

	ReasonNoSubscriptionExisted ReasonCode = 0x11

	ReasonUnspecifiedError ReasonCode = 0x80

	ReasonMalformedPacket ReasonCode = 0x81

	ReasonProtocolError ReasonCode = 0x82

	ReasonImplSpecificError ReasonCode = 0x83

	ReasonClientIDNotValid ReasonCode = 0x85

	ReasonNotAuthorized ReasonCode = 0x87

	ReasonServerUnavailable ReasonCode = 0x88

	ReasonServerBusy ReasonCode = 0x89

	ReasonServerShuttingDown ReasonCode = 0x8B

	ReasonKeepAliveTimeout ReasonCode = 0x8D

	ReasonSessionTakenOver ReasonCode = 0x8E

	ReasonTopicFilterInvalid ReasonCode = 0x8F

	ReasonTopicNameInvalid ReasonCode = 0x90

	ReasonPacketIDInUse ReasonCode = 0x91

	ReasonPacketIDNotFound ReasonCode = 0x92

	ReasonReceiveMaxExceeded ReasonCode = 0x93

	ReasonQuotaExceeded ReasonCode = 0x97

	ReasonConnectionRateExceeded ReasonCode = 0x9F
)

var reasonCodeStrings = map[ReasonCode]string{
	ReasonSuccess:                "Success",
	ReasonGrantedQoS1:            "Granted QoS 1",
	ReasonGrantedQoS2:            "Granted QoS 2",
	ReasonNoMatchingSubscribers:  "No matching subscribers",
	ReasonNoSubscriptionExisted:  "No subscription existed",
	ReasonUnspecifiedError:       "Unspecified error",
	ReasonMalformedPacket:        "Malformed packet",
	ReasonProtocolError:          "Protocol error",
	ReasonImplSpecificError:      "Implementation specific error",
	ReasonClientIDNotValid:       "Client identifier not valid",
	ReasonNotAuthorized:          "Not authorized",
	ReasonServerUnavailable:      "Server unavailable",
	ReasonServerBusy:             "Server busy",
	ReasonServerShuttingDown:     "Server shutting down",
	ReasonKeepAliveTimeout:       "Keep alive timeout",
	ReasonSessionTakenOver:       "Session taken over",
	ReasonTopicFilterInvalid:     "Topic filter invalid",
	ReasonTopicNameInvalid:       "Topic name invalid",
	ReasonPacketIDInUse:          "Packet identifier in use",
	ReasonPacketIDNotFound:       "Packet identifier not found",
	ReasonReceiveMaxExceeded:     "Receive maximum exceeded",
	ReasonQuotaExceeded:          "Quota exceeded",
	ReasonConnectionRateExceeded: "Connection rate exceeded",
}

// String returns a human readable description of the reason code.
func (r ReasonCode) String() string {
	if s, ok := reasonCodeStrings[r]; ok {
		return s
	}
	return "Unknown"
}

// IsError returns true for reason codes that indicate a failure.
func (r ReasonCode) IsError() bool {
	return r >= 0x80
}

// ReasonCategory groups reason codes by what a client should do about them.
// Client retry and backoff logic depends on distinguishing permanent from
// transient rejections, so every rejection maps to one of these.
type ReasonCategory int

const (
	// CategorySuccess covers non-error codes.
	CategorySuccess ReasonCategory = iota

	// CategoryMalformed covers protocol violations. Permanent: the same
	// operation will never succeed.
	CategoryMalformed

	// CategoryQuota covers resource exhaustion. Transient: the operation
	// may succeed later once quota frees up.
	CategoryQuota

	// CategoryNotAuthorized covers authorization rejections.
	CategoryNotAuthorized

	// CategoryUnspecified covers everything else, including broker-side
	// faults.
	CategoryUnspecified
)

// Category returns the retry category of the reason code.
func (r ReasonCode) Category() ReasonCategory {
	switch r {
	case ReasonMalformedPacket, ReasonProtocolError, ReasonClientIDNotValid,
		ReasonTopicFilterInvalid, ReasonTopicNameInvalid,
		ReasonPacketIDInUse, ReasonPacketIDNotFound:
		return CategoryMalformed
	case ReasonQuotaExceeded, ReasonReceiveMaxExceeded,
		ReasonConnectionRateExceeded, ReasonServerBusy:
		return CategoryQuota
	case ReasonNotAuthorized:
		return CategoryNotAuthorized
	default:
		if r.IsError() {
			return CategoryUnspecified
		}
		return CategorySuccess
	}
}
