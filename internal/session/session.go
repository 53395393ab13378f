// Package session implements the per-session TFTP protocol state machine
// (§4.4 RRQ, §4.5 WRQ) and the atomic-write policy that ties WRQ sessions
// to the file coordination registry (§4.6).
package session

import (
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eenblam/tftpd/internal/config"
	"github.com/eenblam/tftpd/internal/registry"
	"github.com/eenblam/tftpd/internal/tftp"
)

// Session holds everything one RRQ/WRQ transfer needs: its ephemeral
// socket (the server's TID, per the GLOSSARY), the peer it's bound to for
// the lifetime of the transfer, and the shared registries it coordinates
// through. One Session is created per accepted initial request and
// destroyed when its worker returns, matching §3's Lifecycle.
type Session struct {
	conn *net.UDPConn
	peer *net.UDPAddr

	cfg   config.Config
	files *registry.Files
	log   *logrus.Entry

	// buf is the session's reusable scratch buffer for encoding outgoing
	// DATA packets, reused across retries and blocks, the same discipline
	// the original C server's single TFTP_Client.packet field used. ACK
	// and ERROR packets, and received datagrams, are allocated per packet.
	buf []byte
}

// New creates a Session bound to peer over conn, using cfg for timeouts
// and root directory and files for read/write serialization on a
// filename. The caller owns conn and closes it after Run* returns.
func New(conn *net.UDPConn, peer *net.UDPAddr, cfg config.Config, files *registry.Files, log *logrus.Entry) *Session {
	return &Session{
		conn:  conn,
		peer:  peer,
		cfg:   cfg,
		files: files,
		log:   log,
		buf:   make([]byte, 4+tftp.MaxDataSize),
	}
}

// receive waits until deadline for a datagram from s.peer, transparently
// dropping and answering any datagram from a different source address
// with ErrUnknownTID (the RFC 1350 §4 sender-TID check the original C
// server never performed — see spec.md §9's open question). It returns
// the raw packet bytes, or the error SetReadDeadline/ReadFromUDP reports
// (including a timeout once deadline passes).
func (s *Session) receive(deadline time.Time) ([]byte, error) {
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	recvBuf := make([]byte, 4+tftp.MaxDataSize)
	for {
		n, addr, err := s.conn.ReadFromUDP(recvBuf)
		if err != nil {
			return nil, err
		}
		if addr.IP.Equal(s.peer.IP) && addr.Port == s.peer.Port {
			out := make([]byte, n)
			copy(out, recvBuf[:n])
			return out, nil
		}
		s.log.WithField("stray_peer", addr.String()).Warn("session: datagram from unexpected TID; replying UnknownTID")
		s.sendErrorTo(addr, tftp.ErrUnknownTID, tftp.ErrUnknownTID.DefaultMessage())
	}
}

func (s *Session) sendErrorTo(addr *net.UDPAddr, code tftp.ErrorCode, message string) {
	_, err := s.conn.WriteToUDP(tftp.EncodeErrorPacket(code, message), addr)
	if err != nil {
		s.log.WithError(err).Warn("session: failed to send ERROR packet")
	}
}

// sendError sends an ERROR packet to the session's peer.
func (s *Session) sendError(code tftp.ErrorCode, message string) {
	s.sendErrorTo(s.peer, code, message)
}

func (s *Session) sendData(block uint16, payload []byte) error {
	n := tftp.EncodeData(s.buf, block, payload)
	_, err := s.conn.WriteToUDP(s.buf[:n], s.peer)
	return err
}

func (s *Session) sendAck(block uint16) error {
	_, err := s.conn.WriteToUDP(tftp.EncodeAck(block), s.peer)
	return err
}

// isTimeout reports whether err is a deadline-exceeded error from the
// underlying net.Conn, as opposed to some other I/O failure.
func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// mapOpenError maps a file-open failure to the wire error it's described
// as in spec.md §7/§6: a missing file is FileNotFound, anything else
// (permissions, a directory, too many open files) is AccessViolation. The
// message always carries filename, per §12's "File not found: <name>"
// convention from the original C server; the underlying error text is
// appended only for causes other than not-found and permission denied.
func mapOpenError(filename string, err error) (tftp.ErrorCode, string) {
	if os.IsNotExist(err) {
		return tftp.ErrFileNotFound, tftp.ErrFileNotFound.DefaultMessage() + ": " + filename
	}
	if os.IsPermission(err) {
		return tftp.ErrAccessViolation, tftp.ErrAccessViolation.DefaultMessage() + ": " + filename
	}
	return tftp.ErrAccessViolation, tftp.ErrAccessViolation.DefaultMessage() + ": " + filename + ": " + err.Error()
}
