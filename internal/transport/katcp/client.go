// Package katcp is the production transport.Dialer: a real TCP client
// for the KATCP-style register protocol CASPER FPGA boards speak
// (`?request arg1 arg2\n` / `!request ok|fail [arg…]\n`, the same
// request/reply shape as internal/control's own protocol). It only
// implements the handful of requests this coordinator ever issues
// (register read/write, snapshot arm/read, program, system information,
// host-okay, local time, multicast subscribe) rather than a general
// KATCP client library.
//
// Grounded on the teacher's kissnet.go connect_listen_thread TCP dial
// pattern, turned around from accept to dial since a board here is a
// remote peer this coordinator connects out to.
package katcp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shaoguangleo/corr2/internal/corerr"
	"github.com/shaoguangleo/corr2/internal/transport"
)

// Dialer connects to a board host on Port (default 7147, matching the
// control server's own default) and caches the connection for reuse.
type Dialer struct {
	Port    int
	Timeout time.Duration

	mu    sync.Mutex
	conns map[string]*conn
}

func (d *Dialer) port() int {
	if d.Port != 0 {
		return d.Port
	}
	return 7147
}

func (d *Dialer) timeout() time.Duration {
	if d.Timeout != 0 {
		return d.Timeout
	}
	return 5 * time.Second
}

// Dial returns a cached connection to host, opening a new one if none
// exists yet or if the previous one died.
func (d *Dialer) Dial(ctx context.Context, host string) (transport.Board, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conns == nil {
		d.conns = map[string]*conn{}
	}

	if c, ok := d.conns[host]; ok && !c.dead() {
		return c, nil
	}

	var dialer = net.Dialer{Timeout: d.timeout()}
	var nc, err = dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, d.port()))
	if err != nil {
		return nil, corerr.New(corerr.BoardTransport, "dial %s: %v", host, err)
	}

	var c = &conn{host: host, nc: nc, reader: bufio.NewReader(nc)}
	d.conns[host] = c
	return c, nil
}

// conn is one TCP connection to a board host, implementing
// transport.Board by issuing one `?request ...` line at a time and
// reading the matching `!request ok|fail ...` reply. Requests are
// serialised: only one is ever in flight on a given conn, matching
// KATCP's own "replies arrive in request order" guarantee.
type conn struct {
	host   string
	nc     net.Conn
	reader *bufio.Reader

	mu     sync.Mutex
	failed bool
}

func (c *conn) dead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

func (c *conn) markFailed() {
	c.mu.Lock()
	c.failed = true
	c.mu.Unlock()
	c.nc.Close()
}

// roundTrip sends `?request arg...` and returns the fields of the
// matching `!request ok|fail ...` reply, or an error for a fail reply
// or any I/O failure.
func (c *conn) roundTrip(ctx context.Context, request string, args ...string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.nc.SetDeadline(deadline)
	} else {
		_ = c.nc.SetDeadline(time.Now().Add(10 * time.Second))
	}

	var line = "?" + strings.Join(append([]string{request}, args...), " ") + "\n"
	if _, err := c.nc.Write([]byte(line)); err != nil {
		c.markFailed()
		return nil, corerr.New(corerr.BoardTransport, "write to %s: %v", c.host, err)
	}

	var reply, readErr = c.reader.ReadString('\n')
	if readErr != nil {
		c.markFailed()
		return nil, corerr.New(corerr.BoardTransport, "read from %s: %v", c.host, readErr)
	}

	var fields = strings.Fields(strings.TrimSuffix(reply, "\n"))
	if len(fields) < 2 || fields[0] != "!"+request {
		c.markFailed()
		return nil, corerr.New(corerr.BoardTransport, "unexpected reply from %s: %q", c.host, reply)
	}
	if fields[1] == "fail" {
		var message = "request failed"
		if len(fields) > 2 {
			message = strings.ReplaceAll(strings.Join(fields[2:], " "), "_", " ")
		}
		return nil, corerr.New(corerr.BoardTransport, "%s on %s: %s", request, c.host, message)
	}
	return fields[2:], nil
}

func (c *conn) RegisterRead(ctx context.Context, name string) (map[string]uint64, error) {
	var fields, err = c.roundTrip(ctx, "regread", name)
	if err != nil {
		return nil, err
	}
	return parseFieldMap(fields)
}

func (c *conn) RegisterWrite(ctx context.Context, name string, fields map[string]uint64) error {
	var _, err = c.roundTrip(ctx, "regwrite", append([]string{name}, formatFieldMap(fields)...)...)
	return err
}

func (c *conn) RegisterBulkWrite(ctx context.Context, name string, value uint32) error {
	var _, err = c.roundTrip(ctx, "regwrite", name, "value="+strconv.FormatUint(uint64(value), 10))
	return err
}

func (c *conn) MemoryRead(ctx context.Context, name string, offset, nBytes int) ([]byte, error) {
	var fields, err = c.roundTrip(ctx, "memread", name, strconv.Itoa(offset), strconv.Itoa(nBytes))
	if err != nil {
		return nil, err
	}
	var out = make([]byte, 0, nBytes)
	for _, f := range fields {
		var b, parseErr = strconv.ParseUint(f, 16, 8)
		if parseErr != nil {
			continue
		}
		out = append(out, byte(b))
	}
	return out, nil
}

func (c *conn) SnapshotArm(ctx context.Context, name string, offset int, manValid bool) error {
	var _, err = c.roundTrip(ctx, "snaparm", name, strconv.Itoa(offset), strconv.FormatBool(manValid))
	return err
}

func (c *conn) SnapshotRead(ctx context.Context, name string) (map[string][]uint64, error) {
	var fields, err = c.roundTrip(ctx, "snapread", name)
	if err != nil {
		return nil, err
	}
	var out = map[string][]uint64{}
	for _, f := range fields {
		var kv = strings.SplitN(f, "=", 2)
		if len(kv) != 2 {
			continue
		}
		var values []uint64
		for _, v := range strings.Split(kv[1], ",") {
			var n, parseErr = strconv.ParseUint(v, 10, 64)
			if parseErr == nil {
				values = append(values, n)
			}
		}
		out[kv[0]] = values
	}
	return out, nil
}

func (c *conn) Program(ctx context.Context) error {
	var _, err = c.roundTrip(ctx, "program")
	return err
}

func (c *conn) Deprogram(ctx context.Context) error {
	var _, err = c.roundTrip(ctx, "deprogram")
	return err
}

func (c *conn) GetSystemInformation(ctx context.Context) (map[string]bool, error) {
	var fields, err = c.roundTrip(ctx, "listdev")
	if err != nil {
		return nil, err
	}
	var out = make(map[string]bool, len(fields))
	for _, f := range fields {
		out[f] = true
	}
	return out, nil
}

func (c *conn) HostOkay(ctx context.Context) bool {
	var _, err = c.roundTrip(ctx, "watchdog")
	return err == nil
}

func (c *conn) GetLocalTime(ctx context.Context) (uint64, error) {
	var fields, err = c.roundTrip(ctx, "localtime")
	if err != nil {
		return 0, err
	}
	if len(fields) == 0 {
		return 0, corerr.New(corerr.BoardTransport, "localtime reply from %s carried no fields", c.host)
	}
	return strconv.ParseUint(fields[0], 10, 64)
}

func (c *conn) SubscribeMulticast(ctx context.Context, interfaceName, groupIP string) error {
	var _, err = c.roundTrip(ctx, "multicast-subscribe", interfaceName, groupIP)
	return err
}

func parseFieldMap(fields []string) (map[string]uint64, error) {
	var out = make(map[string]uint64, len(fields))
	for _, f := range fields {
		var kv = strings.SplitN(f, "=", 2)
		if len(kv) != 2 {
			continue
		}
		var n, err = strconv.ParseUint(kv[1], 10, 64)
		if err != nil {
			return nil, corerr.New(corerr.BoardTransport, "malformed register field %q", f)
		}
		out[kv[0]] = n
	}
	return out, nil
}

func formatFieldMap(fields map[string]uint64) []string {
	var out = make([]string, 0, len(fields))
	for k, v := range fields {
		out = append(out, k+"="+strconv.FormatUint(v, 10))
	}
	return out
}
