// Package control implements the line-oriented TCP request/reply server
// of spec §4.7: `?verb ...` requests, `!verb ok|fail [...]` replies, and
// `#inform ...` unsolicited notices.
//
// Grounded on the teacher's server.go/kissnet.go TCP accept loop (one
// goroutine accepting, one goroutine per connection reading) and its
// SO_REUSEADDR treatment in connect_listen_thread, ported from raw
// syscall to golang.org/x/sys/unix.
package control

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Listen binds the control server's TCP port with SO_REUSEADDR set, so a
// restarted coordinator can rebind immediately rather than waiting out
// TIME_WAIT (the same justification the teacher's connect_listen_thread
// gives for doing this on its KISS-over-TCP port).
func Listen(port int) (net.Listener, error) {
	var listener, err = net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}

	if tcpListener, ok := listener.(*net.TCPListener); ok {
		var file, fileErr = tcpListener.File()
		if fileErr == nil {
			defer file.Close()
			_ = unix.SetsockoptInt(int(file.Fd()), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		}
	}

	return listener, nil
}
