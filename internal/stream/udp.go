package stream

import (
	"context"
	"net"
	"strconv"

	"github.com/shaoguangleo/corr2/internal/corerr"
)

// UDPEmitter sends metadata heaps as plain UDP datagrams, one dial per
// destination IP (the SPEAD wire encoding itself is out of scope, spec
// §1; this is the transport stand-in a real SPEAD transmitter would
// replace). Grounded on the teacher's waypoint.go UDP-dial idiom
// (`net.Dial("udp", net.JoinHostPort(host, port))`).
type UDPEmitter struct {
	// Payload builds the datagram body sent for streamName; nil sends
	// an empty datagram, which is enough to exercise the "a heap was
	// sent" observation this stand-in exists for.
	Payload func(streamName string) []byte
}

// EmitMetadata dials dest:port over UDP and writes one datagram.
func (e *UDPEmitter) EmitMetadata(ctx context.Context, streamName string, dest net.IP, port int) error {
	var addrStr = net.JoinHostPort(dest.String(), strconv.Itoa(port))
	var conn, dialErr = net.Dial("udp", addrStr)
	if dialErr != nil {
		return corerr.New(corerr.BoardTransport, "dialing metadata destination %s for stream %s: %v", addrStr, streamName, dialErr)
	}
	defer conn.Close()

	var payload []byte
	if e.Payload != nil {
		payload = e.Payload(streamName)
	}
	if _, writeErr := conn.Write(payload); writeErr != nil {
		return corerr.New(corerr.BoardTransport, "writing metadata to %s for stream %s: %v", addrStr, streamName, writeErr)
	}
	return nil
}
