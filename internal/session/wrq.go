package session

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eenblam/tftpd/internal/tftp"
)

// RunWRQ implements §4.5 (session state machine) and §4.6 (atomic-write
// policy): client-to-server transfer of filename, written to a `.tmp`
// staging file under the exclusive file lock and published onto filename
// only on success.
func (s *Session) RunWRQ(filename string) {
	log := s.log.WithField("op", "WRQ")

	path, err := resolvePath(s.cfg.Root, filename)
	if err != nil {
		log.WithError(err).Warn("wrq: path escapes root")
		s.sendError(tftp.ErrAccessViolation, tftp.ErrAccessViolation.DefaultMessage()+": "+err.Error())
		return
	}
	tmp := tempName(path)

	s.files.BeginWrite(filename)
	defer s.files.EndWrite(filename)

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		code, msg := mapOpenError(filename, err)
		log.WithError(err).Info("wrq: open failed")
		s.sendError(code, msg)
		return
	}

	if !s.runWRQBody(log, filename, f) {
		f.Close()
		if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
			log.WithError(err).Warn("wrq: failed to remove temp file after failure")
		}
		return
	}
	if err := f.Close(); err != nil {
		log.WithError(err).Warn("wrq: failed to close temp file")
	}

	if err := finalize(tmp, path); err != nil {
		log.WithError(err).Warn("wrq: failed to publish file")
	} else {
		log.Info("wrq: transfer complete")
	}
}

// runWRQBody runs the receive loop and returns true iff the transfer
// finished successfully (the terminal short DATA block was received and
// written). The temp file is left open and positioned after the last
// write; the caller closes it.
func (s *Session) runWRQBody(log *logrus.Entry, filename string, f *os.File) bool {
	if err := s.sendAck(0); err != nil {
		log.WithError(err).Warn("wrq: failed to send initial ACK(0)")
		return false
	}

	expected := uint16(1)
	retry := 0

	for {
		deadline := time.Now().Add(s.cfg.Timeout())
		raw, err := s.receive(deadline)
		if err != nil {
			if isTimeout(err) {
				retry++
				if retry > s.cfg.MaxRetries {
					log.Warn("wrq: peer unresponsive; giving up")
					s.sendError(tftp.ErrNotDefined, fmt.Sprintf("transfer timed out: no DATA for block %d of %s", expected, filename))
					return false
				}
				if sendErr := s.sendAck(expected - 1); sendErr != nil {
					log.WithError(sendErr).Warn("wrq: failed to retransmit ACK")
				}
				continue
			}
			log.WithError(err).Info("wrq: transfer aborted")
			return false
		}

		op, err := tftp.PeekOpcode(raw)
		if err != nil {
			continue // malformed noise; wait for the real packet
		}

		if op == tftp.OpERROR {
			e, err := tftp.DecodeErrorPacket(raw)
			if err == nil {
				log.WithField("code", e.Code).Info("wrq: peer sent ERROR")
			}
			return false
		}
		if op != tftp.OpDATA {
			log.WithField("opcode", op.String()).Warn("wrq: unexpected opcode")
			s.sendError(tftp.ErrNotDefined, fmt.Sprintf("expected DATA, got %s", op))
			return false
		}

		data, err := tftp.DecodeData(raw)
		if err != nil {
			log.WithError(err).Warn("wrq: malformed DATA")
			detail := "malformed DATA packet"
			if de, ok := err.(*tftp.DecodeError); ok {
				detail = detail + ": " + de.Reason
			}
			s.sendError(tftp.ErrNotDefined, detail)
			return false
		}

		switch data.Block {
		case expected:
			n, err := f.Write(data.Payload)
			if err != nil || n != len(data.Payload) {
				log.WithError(err).Warn("wrq: short or failed write")
				detail := tftp.ErrDiskFull.DefaultMessage() + ": " + filename
				if err != nil {
					detail = detail + ": " + err.Error()
				}
				s.sendError(tftp.ErrDiskFull, detail)
				return false
			}
			if err := s.sendAck(expected); err != nil {
				log.WithError(err).Warn("wrq: failed to send ACK")
				return false
			}
			if len(data.Payload) < tftp.MaxDataSize {
				return true
			}
			expected++
			retry = 0
		case expected - 1:
			// Duplicate of the previous block; re-acknowledge without
			// rewriting (§4.5 step 3, §8 scenario 3).
			if err := s.sendAck(data.Block); err != nil {
				log.WithError(err).Warn("wrq: failed to re-ack duplicate DATA")
			}
		default:
			log.WithField("block", data.Block).Warn("wrq: out-of-sequence DATA block")
			s.sendError(tftp.ErrNotDefined, fmt.Sprintf("out of sequence block number: got %d, expected %d", data.Block, expected))
			return false
		}
	}
}

// finalize publishes the staged temp file onto path: if path exists it's
// removed first, then tmp is renamed onto path, per §4.6.
func finalize(tmp, path string) error {
	if _, err := os.Stat(path); err == nil {
		if rmErr := os.Remove(path); rmErr != nil {
			return rmErr
		}
	}
	return os.Rename(tmp, path)
}
