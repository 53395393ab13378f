// Package server implements the dispatcher from §3/§4.3: the single
// well-known socket that accepts initial RRQ/WRQ requests and hands each
// one off to its own per-session ephemeral socket and goroutine.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eenblam/tftpd/internal/config"
	"github.com/eenblam/tftpd/internal/registry"
	"github.com/eenblam/tftpd/internal/session"
	"github.com/eenblam/tftpd/internal/tftp"
)

// Server owns the well-known listening socket and the registries every
// session coordinates through.
type Server struct {
	cfg     config.Config
	log     *logrus.Logger
	files   *registry.Files
	clients *registry.Clients
}

// New builds a Server from cfg. The listening socket isn't opened until
// Run is called.
func New(cfg config.Config, log *logrus.Logger) *Server {
	return &Server{
		cfg:     cfg,
		log:     log,
		files:   registry.NewFiles(),
		clients: registry.NewClients(),
	}
}

// Run opens the well-known UDP socket and serves until ctx is canceled or
// the accept loop hits an unrecoverable error. An errgroup supervises the
// accept loop together with a cancellation watcher that closes the socket,
// so a fatal listener error or a canceled ctx stops both. Each accepted
// request runs in its own plain goroutine outside that group.
func (s *Server) Run(ctx context.Context) error {
	addr := &net.UDPAddr{IP: net.ParseIP(s.cfg.Address), Port: s.cfg.Port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}
	defer conn.Close()

	s.log.WithFields(logrus.Fields{
		"address": addr.String(),
		"root":    s.cfg.Root,
	}).Info("tftpd: listening")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		conn.Close() // unblocks the ReadFromUDP below
		return ctx.Err()
	})
	g.Go(func() error {
		return s.acceptLoop(conn)
	})
	return g.Wait()
}

// acceptLoop reads initial request datagrams off the well-known socket and
// spawns a session for each one that passes the length and dedup checks in
// §4.2/§4.3. It returns only when conn is closed (server shutdown).
func (s *Server) acceptLoop(conn *net.UDPConn) error {
	buf := make([]byte, 4+tftp.MaxDataSize)
	for {
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			if isClosed(err) {
				return nil
			}
			return fmt.Errorf("reading initial request: %w", err)
		}
		if n < tftp.MinPacketSize {
			s.log.WithField("peer", peer.String()).Warn("tftpd: datagram too short to be a request; dropping")
			continue
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])
		s.handleInitial(conn, peer, raw)
	}
}

// handleInitial decodes one initial datagram and, if it's a well-formed
// RRQ/WRQ and not a duplicate of an in-flight session, spawns the session
// worker. Malformed requests and duplicates are answered or dropped inline
// rather than handed to a worker, per §4.1/§4.3.
func (s *Server) handleInitial(conn *net.UDPConn, peer *net.UDPAddr, raw []byte) {
	log := s.log.WithField("peer", peer.String())

	req, err := tftp.DecodeRequest(raw)
	if err != nil {
		log.WithError(err).Warn("tftpd: malformed initial request")
		detail := tftp.ErrNotDefined.DefaultMessage()
		if de, ok := err.(*tftp.DecodeError); ok {
			detail = detail + ": " + de.Reason
		}
		reply := tftp.EncodeErrorPacket(tftp.ErrNotDefined, detail)
		if _, werr := conn.WriteToUDP(reply, peer); werr != nil {
			log.WithError(werr).Warn("tftpd: failed to send ERROR for malformed request")
		}
		return
	}

	key := registry.NewClientKey(peer, raw)
	if !s.clients.TryAdd(key) {
		log.Debug("tftpd: duplicate initial request for in-flight session; dropping")
		return
	}

	sessionConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(s.cfg.Address)})
	if err != nil {
		log.WithError(err).Error("tftpd: failed to open session socket")
		s.clients.Remove(key)
		reply := tftp.EncodeErrorPacket(tftp.ErrNotDefined, "server unable to allocate session: "+err.Error())
		conn.WriteToUDP(reply, peer)
		return
	}

	go s.runSession(sessionConn, peer, key, req, log)
}

// runSession owns sessionConn for the lifetime of one transfer: it runs
// the RRQ or WRQ state machine to completion, then tears down the socket
// and the client registry entry (§3 Lifecycle).
func (s *Server) runSession(sessionConn *net.UDPConn, peer *net.UDPAddr, key registry.ClientKey, req *tftp.Request, log *logrus.Entry) {
	defer sessionConn.Close()
	defer s.clients.Remove(key)

	log = log.WithFields(logrus.Fields{
		"filename": req.Filename,
		"mode":     req.Mode,
		"tid":      sessionConn.LocalAddr().(*net.UDPAddr).Port,
	})
	log.Info("tftpd: session started")

	sess := session.New(sessionConn, peer, s.cfg, s.files, log)
	switch req.Op {
	case tftp.OpRRQ:
		sess.RunRRQ(req.Filename)
	case tftp.OpWRQ:
		sess.RunWRQ(req.Filename)
	}
	log.Info("tftpd: session ended")
}

// isClosed reports whether err is the expected error from a socket this
// server closed itself during shutdown, as opposed to some other read
// failure.
func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
