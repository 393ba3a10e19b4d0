package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonUpstreamConnect ReasonCode = "upstream_connect"
	ReasonUpstreamSend    ReasonCode = "upstream_send"
	ReasonUpstreamRead    ReasonCode = "upstream_read"
	ReasonUpstreamParse   ReasonCode = "upstream_parse"
	ReasonUpstreamError   ReasonCode = "upstream_error"

	ReasonTelephonySend  ReasonCode = "telephony_send"
	ReasonTelephonyRead  ReasonCode = "telephony_read"
	ReasonTelephonyParse ReasonCode = "telephony_parse"

	ReasonCMSLookup      ReasonCode = "cms_lookup"
	ReasonCMSPersist     ReasonCode = "cms_persist"
	ReasonCMSCircuitOpen ReasonCode = "cms_circuit_open"

	ReasonTransferUpdate ReasonCode = "transfer_update"
	ReasonTransferNoHost ReasonCode = "transfer_no_host"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
)
