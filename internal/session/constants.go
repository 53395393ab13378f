package session

import "errors"

// errGiveUp signals that the current attempt's receive timed out; the
// caller decides whether to retransmit or give up based on its retry
// count against config.Config.MaxRetries.
var errGiveUp = errors.New("session: receive timed out")
