package ports

import "context"

// ProtocolClient sends a signed envelope to a network participant and reports
// whether the participant acknowledged it. body is sent byte-for-byte.
type ProtocolClient interface {
	SendWithAck(ctx context.Context, url string, body []byte) (bool, error)
}
