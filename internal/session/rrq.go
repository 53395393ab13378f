package session

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/eenblam/tftpd/internal/tftp"
)

// RunRRQ implements §4.4: server-to-client transfer of filename. The file
// registry's read lock is held for the whole transfer (admitting
// concurrent readers, excluding writers) so a WRQ session can't publish a
// rename mid-read.
func (s *Session) RunRRQ(filename string) {
	log := s.log.WithField("op", "RRQ")

	path, err := resolvePath(s.cfg.Root, filename)
	if err != nil {
		log.WithError(err).Warn("rrq: path escapes root")
		s.sendError(tftp.ErrAccessViolation, tftp.ErrAccessViolation.DefaultMessage()+": "+err.Error())
		return
	}

	s.files.BeginRead(filename)
	defer s.files.EndRead(filename)

	f, err := os.Open(path)
	if err != nil {
		code, msg := mapOpenError(filename, err)
		log.WithError(err).Info("rrq: open failed")
		s.sendError(code, msg)
		return
	}
	defer f.Close()

	readBuf := make([]byte, tftp.MaxDataSize)
	block := uint16(1)
	retry := 0

	n, readErr := io.ReadFull(f, readBuf)
	if readErr == io.ErrUnexpectedEOF {
		readErr = nil
	}
	if readErr != nil && readErr != io.EOF {
		log.WithError(readErr).Warn("rrq: read failed")
		s.sendError(tftp.ErrAccessViolation, tftp.ErrAccessViolation.DefaultMessage()+": "+filename+": "+readErr.Error())
		return
	}
	payload := readBuf[:n]

	for {
		if err := s.sendData(block, payload); err != nil {
			log.WithError(err).Warn("rrq: send DATA failed")
			return
		}

		ack, err := s.awaitAck(block)
		if err != nil {
			if err == errGiveUp {
				retry++
				if retry > s.cfg.MaxRetries {
					log.Warn("rrq: peer unresponsive; giving up")
					s.sendError(tftp.ErrNotDefined, fmt.Sprintf("transfer timed out: no ACK for block %d", block))
					return
				}
				continue // retransmit same block
			}
			log.WithError(err).Info("rrq: transfer aborted")
			return
		}
		_ = ack
		retry = 0

		if len(payload) < tftp.MaxDataSize {
			log.Info("rrq: transfer complete")
			return
		}

		block++
		n, readErr = io.ReadFull(f, readBuf)
		if readErr == io.ErrUnexpectedEOF {
			readErr = nil
		}
		if readErr != nil && readErr != io.EOF {
			log.WithError(readErr).Warn("rrq: read failed mid-transfer")
			s.sendError(tftp.ErrAccessViolation, tftp.ErrAccessViolation.DefaultMessage()+": "+filename+": "+readErr.Error())
			return
		}
		payload = readBuf[:n]
	}
}

// awaitAck blocks until it sees an ACK for block, discarding stale ACKs
// and stray datagrams, per §4.4 step 3. It returns errGiveUp once the
// per-attempt receive times out (the caller decides whether to retry or
// give up), or any other error (decoded ERROR, or an I/O failure) to
// abort the session.
func (s *Session) awaitAck(block uint16) (*tftp.Ack, error) {
	deadline := time.Now().Add(s.cfg.Timeout())
	for {
		raw, err := s.receive(deadline)
		if err != nil {
			if isTimeout(err) {
				return nil, errGiveUp
			}
			return nil, err
		}

		op, err := tftp.PeekOpcode(raw)
		if err != nil {
			continue // malformed noise; keep waiting within the same deadline
		}
		switch op {
		case tftp.OpACK:
			ack, err := tftp.DecodeAck(raw)
			if err != nil {
				continue
			}
			if ack.Block != block {
				continue // duplicate/stale ACK; keep waiting
			}
			return ack, nil
		case tftp.OpERROR:
			e, err := tftp.DecodeErrorPacket(raw)
			if err != nil {
				continue
			}
			return nil, e
		default:
			continue
		}
	}
}
