package server

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"gotest.tools/v3/assert"

	"github.com/eenblam/tftpd/internal/config"
	"github.com/eenblam/tftpd/internal/tftp"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.ErrorLevel)
	return l
}

// startServer runs a Server on an ephemeral loopback port and returns its
// address; the server is stopped by a cancel registered with t.Cleanup.
// It probes once for a free port, since config.Config.Port is fixed ahead
// of the actual bind.
func startServer(t *testing.T, root string) string {
	t.Helper()
	cfg := config.Config{
		Address:        "127.0.0.1",
		Port:           0, // net.ListenUDP treats 0 as "pick any free port"
		Root:           root,
		TimeoutSeconds: 1,
		MaxRetries:     1,
	}

	// Server.Run resolves its own listener internally, so we bind a probe
	// socket first only to learn a free port, then let Run claim it.
	probe, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	assert.NilError(t, err)
	addr := probe.LocalAddr().(*net.UDPAddr)
	cfg.Port = addr.Port
	probe.Close()

	s := New(cfg, testLogger())
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	go func() {
		close(started)
		s.Run(ctx)
	}()
	<-started
	// Give the listener a moment to bind before the test dials it.
	time.Sleep(50 * time.Millisecond)

	t.Cleanup(cancel)
	return addr.String()
}

func TestServerServesRRQEndToEnd(t *testing.T) {
	root := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(root, "greeting.txt"), []byte("hello there"), 0o644))
	serverAddr := startServer(t, root)

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	assert.NilError(t, err)
	defer client.Close()

	remote, err := net.ResolveUDPAddr("udp", serverAddr)
	assert.NilError(t, err)

	req := tftp.EncodeRequest(tftp.OpRRQ, "greeting.txt", tftp.ModeOctet)
	_, err = client.WriteToUDP(req, remote)
	assert.NilError(t, err)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 600)
	n, tid, err := client.ReadFromUDP(buf)
	assert.NilError(t, err)

	data, err := tftp.DecodeData(buf[:n])
	assert.NilError(t, err)
	assert.Equal(t, data.Block, uint16(1))
	assert.DeepEqual(t, data.Payload, []byte("hello there"))

	// The session socket's TID should differ from the well-known port.
	assert.Assert(t, tid.Port != remote.Port)

	_, err = client.WriteToUDP(tftp.EncodeAck(1), tid)
	assert.NilError(t, err)
}

func TestServerDropsShortDatagram(t *testing.T) {
	root := t.TempDir()
	serverAddr := startServer(t, root)

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	assert.NilError(t, err)
	defer client.Close()
	remote, err := net.ResolveUDPAddr("udp", serverAddr)
	assert.NilError(t, err)

	_, err = client.WriteToUDP([]byte{0x00, 0x01}, remote)
	assert.NilError(t, err)

	// Follow up with a real request on the same socket to confirm the
	// server is still alive and responsive after dropping the short one.
	assert.NilError(t, os.WriteFile(filepath.Join(root, "ok.txt"), []byte("ok"), 0o644))
	req := tftp.EncodeRequest(tftp.OpRRQ, "ok.txt", tftp.ModeOctet)
	_, err = client.WriteToUDP(req, remote)
	assert.NilError(t, err)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 600)
	n, _, err := client.ReadFromUDP(buf)
	assert.NilError(t, err)
	data, err := tftp.DecodeData(buf[:n])
	assert.NilError(t, err)
	assert.Equal(t, data.Block, uint16(1))
}

func TestServerRejectsMalformedRequest(t *testing.T) {
	root := t.TempDir()
	serverAddr := startServer(t, root)

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	assert.NilError(t, err)
	defer client.Close()
	remote, err := net.ResolveUDPAddr("udp", serverAddr)
	assert.NilError(t, err)

	// A well-formed envelope with an unsupported mode.
	bad := tftp.EncodeRequest(tftp.OpRRQ, "file.txt", "mail")
	_, err = client.WriteToUDP(bad, remote)
	assert.NilError(t, err)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 600)
	n, _, err := client.ReadFromUDP(buf)
	assert.NilError(t, err)
	e, err := tftp.DecodeErrorPacket(buf[:n])
	assert.NilError(t, err)
	assert.Equal(t, e.Code, tftp.ErrNotDefined)
}
