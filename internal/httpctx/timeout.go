package httpctx

import "time"

// Timeout is accepted by Request either as a single scalar (see Scalar) or as
// an explicit (connect, read) pair. A Connect of zero or less falls back to
// DefaultConnectTimeout.
type Timeout struct {
	Connect time.Duration
	Read    time.Duration
}

// Scalar builds a Timeout that applies d to both connect and read phases.
func Scalar(d time.Duration) Timeout { return Timeout{Connect: d, Read: d} }

// STREAM_READ_TIMEOUT is the inter-chunk read timeout streaming callers pass
// as Read.
const STREAM_READ_TIMEOUT = 60 * time.Second
