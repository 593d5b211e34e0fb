package ws

import "strconv"

// StatusCode is the close status code carried in the first two bytes of a
// Close frame payload.
// reference: https://www.rfc-editor.org/rfc/rfc6455#section-7.4.1
type StatusCode uint16

const (
	StatusNormalClosure    StatusCode = 1000
	StatusGoingAway        StatusCode = 1001
	StatusProtocolError    StatusCode = 1002
	StatusUnsupportedData  StatusCode = 1003
	StatusNoStatusReceived StatusCode = 1005 // never sent on the wire
	StatusAbnormalClosure  StatusCode = 1006 // never sent on the wire
	StatusInvalidPayload   StatusCode = 1007
	StatusPolicyViolation  StatusCode = 1008
	StatusMessageTooBig    StatusCode = 1009
	StatusInternalError    StatusCode = 1011
)

func (s StatusCode) String() string {
	switch s {
	case StatusNormalClosure:
		return "normal closure"
	case StatusGoingAway:
		return "going away"
	case StatusProtocolError:
		return "protocol error"
	case StatusUnsupportedData:
		return "unsupported data"
	case StatusNoStatusReceived:
		return "no status received"
	case StatusAbnormalClosure:
		return "abnormal closure"
	case StatusInvalidPayload:
		return "invalid payload data"
	case StatusPolicyViolation:
		return "policy violation"
	case StatusMessageTooBig:
		return "message too big"
	case StatusInternalError:
		return "internal error"
	}
	return strconv.Itoa(int(s))
}

