package control_test

import (
	"bufio"
	"context"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaoguangleo/corr2/internal/control"
	"github.com/shaoguangleo/corr2/internal/transport/transporttest"
)

const testConfigYAML = `
instrument: test-array
fengine:
  n_chans: 4096
  sample_rate_hz: 1712000000
  f_per_fpga: 2
  destination_mcast_ips: "239.1.1.1:7000"
  input_destinations:
    "0": "239.2.2.1:8000"
    "1": "239.2.2.1:8000"
  min_load_lead: 0.1
  time_jitter_allowed: 0.1
xengine:
  x_per_fpga: 1
  xeng_accumulation_len: 256
  acc_time_seconds: 0.5
hosts:
  fengine:
    - fhost0
  xengine:
    - xhost0
`

// harness wires a Server over a FakeDialer and a real loopback TCP
// listener (port 0), the same "bind to an ephemeral port, dial it back"
// shape the teacher's server_test-equivalents use for kissnet.
type harness struct {
	t      *testing.T
	server *control.Server
	conn   net.Conn
	reader *bufio.Reader
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	var fhost0 = transporttest.NewFakeBoard()
	var xhost0 = transporttest.NewFakeBoard()
	var dialer = transporttest.NewFakeDialer(map[string]*transporttest.FakeBoard{
		"fhost0": fhost0,
		"xhost0": xhost0,
	})

	var server = control.NewServer(control.Config{Dialer: dialer})

	var ctx, cancel = context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		_ = server.Serve(ctx)
	}()

	var addr = server.Addr()
	var conn, dialErr = net.Dial("tcp", addr.String())
	require.NoError(t, dialErr)
	t.Cleanup(func() { conn.Close() })

	return &harness{t: t, server: server, conn: conn, reader: bufio.NewReader(conn)}
}

func (h *harness) send(line string) string {
	h.t.Helper()
	_, err := h.conn.Write([]byte(line + "\n"))
	require.NoError(h.t, err)
	require.NoError(h.t, h.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	reply, err := h.reader.ReadString('\n')
	require.NoError(h.t, err)
	return reply[:len(reply)-1]
}

func (h *harness) writeConfig(yaml string) string {
	h.t.Helper()
	var path = h.t.TempDir() + "/corr2.yaml"
	require.NoError(h.t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func TestUnknownVerb(t *testing.T) {
	var h = newHarness(t)
	var reply = h.send("?bogus")
	assert.Equal(t, "!bogus fail unknown_verb", reply)
}

func TestVerbBeforeCreateFails(t *testing.T) {
	var h = newHarness(t)
	var reply = h.send("?input-labels")
	assert.Equal(t, "!input-labels fail not_initialised create_must_be_called_first", reply)
}

func TestCreateThenDoubleCreateFails(t *testing.T) {
	var h = newHarness(t)
	var path = h.writeConfig(testConfigYAML)

	var reply = h.send("?create " + path)
	assert.Equal(t, "!create ok test-array", reply)

	reply = h.send("?create " + path)
	assert.Equal(t, "!create fail already_created instrument_already_created", reply)
}

func TestInputLabelsRoundTrip(t *testing.T) {
	var h = newHarness(t)
	var path = h.writeConfig(testConfigYAML)
	require.Equal(t, "!create ok test-array", h.send("?create "+path))

	var reply = h.send("?input-labels")
	assert.Equal(t, "!input-labels ok ant0x ant0y", reply)

	reply = h.send("?input-labels foo bar")
	assert.Equal(t, "!input-labels ok foo bar", reply)
}

func TestGainScalarRoundTrip(t *testing.T) {
	var h = newHarness(t)
	var path = h.writeConfig(testConfigYAML)
	require.Equal(t, "!create ok test-array", h.send("?create "+path))

	var reply = h.send("?gain ant0x 4")
	assert.Equal(t, "!gain ok scalar:4", reply)

	reply = h.send("?gain ant0x")
	assert.Equal(t, "!gain ok scalar:4", reply)
}

func TestCaptureDestinationAndStatus(t *testing.T) {
	var h = newHarness(t)
	var path = h.writeConfig(testConfigYAML)
	require.Equal(t, "!create ok test-array", h.send("?create "+path))

	var reply = h.send("?capture-destination baseline-correlation-products 10.0.0.5:9000")
	assert.Equal(t, "!capture-destination ok 10.0.0.5:9000", reply)

	reply = h.send("?capture-start baseline-correlation-products")
	assert.Equal(t, "!capture-start ok", reply)

	reply = h.send("?capture-status baseline-correlation-products")
	assert.Equal(t, "!capture-status ok enabled 10.0.0.5:9000", reply)
}

func TestCaptureStatusUnknownStream(t *testing.T) {
	var h = newHarness(t)
	var path = h.writeConfig(testConfigYAML)
	require.Equal(t, "!create ok test-array", h.send("?create "+path))

	var reply = h.send("?capture-status no-such-stream")
	assert.Equal(t, "!capture-status fail stream_unknown no_such_stream_\"no-such-stream\"", reply)
}

func TestFFTShiftRoundTrip(t *testing.T) {
	var h = newHarness(t)
	var path = h.writeConfig(testConfigYAML)
	require.Equal(t, "!create ok test-array", h.send("?create "+path))

	var reply = h.send("?fft-shift 255")
	assert.Equal(t, "!fft-shift ok 255", reply)

	reply = h.send("?fft-shift")
	assert.Equal(t, "!fft-shift ok 255", reply)
}

func TestInitialiseRequiresCreate(t *testing.T) {
	var h = newHarness(t)
	var reply = h.send("?initialise")
	assert.Equal(t, "!initialise fail not_initialised create_must_be_called_first", reply)
}

func TestInitialiseThenDoubleInitialiseFails(t *testing.T) {
	var h = newHarness(t)
	var path = h.writeConfig(testConfigYAML)
	require.Equal(t, "!create ok test-array", h.send("?create "+path))

	var reply = h.send("?initialise")
	assert.Equal(t, "!initialise ok", reply)

	reply = h.send("?initialise")
	assert.Equal(t, "!initialise fail already_initialised instrument_already_initialised", reply)
}

func TestSensorListIncludesHostSensors(t *testing.T) {
	var h = newHarness(t)
	var path = h.writeConfig(testConfigYAML)
	require.Equal(t, "!create ok test-array", h.send("?create "+path))

	var reply = h.send("?sensor-list")
	var fields = strings.Fields(reply)
	require.True(t, len(fields) >= 2 && fields[0] == "!sensor-list" && fields[1] == "ok")
	assert.ElementsMatch(t, []string{
		"fhost0.lru.ok", "xhost0.lru.ok",
		"fhost0.feng.tx.ok", "fhost0.feng.rx.ok", "fhost0.feng.phy.ok", "fhost0.feng.qdr.ok",
		"xhost0.xeng.tx.ok", "xhost0.xeng.rx.ok", "xhost0.xeng.phy.ok", "xhost0.xeng.qdr.ok",
		"xhost0.xeng.vacc.errors", "xhost0.xeng.vacc.count",
	}, fields[2:])
}
