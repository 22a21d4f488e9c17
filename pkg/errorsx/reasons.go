package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonDeviceUnavailable ReasonCode = "device_unavailable"

	ReasonProtocolViolation ReasonCode = "protocol_violation"
	ReasonRelaySend         ReasonCode = "relay_send"

	ReasonUpstreamHandshake ReasonCode = "upstream_handshake"
	ReasonUpstreamTransport ReasonCode = "upstream_transport"

	ReasonTranslateFailed ReasonCode = "translate_failed"
	ReasonSynthesisFailed ReasonCode = "synthesis_failed"
)
