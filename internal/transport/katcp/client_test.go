package katcp_test

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaoguangleo/corr2/internal/transport/katcp"
)

// fakeBoardServer answers a fixed script of requests, simulating just
// enough of a real board's KATCP endpoint to exercise the client's
// framing and field parsing.
func fakeBoardServer(t *testing.T, handle func(request string, args []string) string) string {
	t.Helper()
	var listener, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		var conn, acceptErr = listener.Accept()
		if acceptErr != nil {
			return
		}
		defer conn.Close()
		var reader = bufio.NewReader(conn)
		for {
			var line, readErr = reader.ReadString('\n')
			if readErr != nil {
				return
			}
			var trimmed = strings.TrimSuffix(strings.TrimPrefix(line, "?"), "\n")
			var fields = strings.Fields(trimmed)
			if len(fields) == 0 {
				continue
			}
			var reply = handle(fields[0], fields[1:])
			if _, writeErr := conn.Write([]byte(reply + "\n")); writeErr != nil {
				return
			}
		}
	}()

	return listener.Addr().String()
}

func dialerFor(t *testing.T, addr string) (*katcp.Dialer, string) {
	t.Helper()
	var host, portStr, err = net.SplitHostPort(addr)
	require.NoError(t, err)
	var port, convErr = strconv.Atoi(portStr)
	require.NoError(t, convErr)
	return &katcp.Dialer{Port: port, Timeout: 2 * time.Second}, host
}

func TestDialRegisterReadRoundTrip(t *testing.T) {
	var addr = fakeBoardServer(t, func(request string, args []string) string {
		if request == "regread" && len(args) == 1 && args[0] == "ctrl" {
			return "!regread ok cnt=42"
		}
		return "!" + request + " fail unexpected"
	})

	var dialer, host = dialerFor(t, addr)
	var board, err = dialer.Dial(context.Background(), host)
	require.NoError(t, err)

	var fields, readErr = board.RegisterRead(context.Background(), "ctrl")
	require.NoError(t, readErr)
	assert.Equal(t, uint64(42), fields["cnt"])
}

func TestDialHostOkayFalseOnFail(t *testing.T) {
	var addr = fakeBoardServer(t, func(request string, args []string) string {
		return "!" + request + " fail board_unhealthy"
	})

	var dialer, host = dialerFor(t, addr)
	var board, err = dialer.Dial(context.Background(), host)
	require.NoError(t, err)

	assert.False(t, board.HostOkay(context.Background()))
}

func TestDialUnreachableHostFails(t *testing.T) {
	var dialer = &katcp.Dialer{Port: 1, Timeout: 200 * time.Millisecond}
	var _, err = dialer.Dial(context.Background(), "192.0.2.1")
	assert.Error(t, err)
}
