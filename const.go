package bridge

// ProtocolVersion is the Gateway wire protocol version the bridge speaks.
// Both minProtocol and maxProtocol in the connect handshake are pinned to it.
const ProtocolVersion = 3

// DefaultClientID is the only Gateway-accepted client id known to work.
// Additional ids may exist server-side; override via GATEWAY_CLIENT_ID.
const DefaultClientID = "openclaw-control-ui"

// Error codes of the internal taxonomy. The HTTP layer maps these to
// statuses exactly once; everything below HTTP passes them through verbatim.
const (
	Unauthorized         = "UNAUTHORIZED"
	GatewayConnectFailed = "GATEWAY_CONNECT_FAILED"
	GatewayRPCError      = "GATEWAY_RPC_ERROR"
	BadRequest           = "BAD_REQUEST"
	NotFound             = "NOT_FOUND"
	StreamingDisabled    = "STREAMING_DISABLED"
	InvalidToken         = "INVALID_TOKEN"
	Internal             = "INTERNAL_ERROR"
)

// OperatorScopes is the fixed scope list sent with every connect handshake.
var OperatorScopes = []string{
	"operator.read",
	"operator.admin",
	"operator.approvals",
	"operator.pairing",
}
