package api

import (
	"io"
	"net"
	"net/url"
	"strings"
	"syscall"
)

var retryableErrorSuffixes = []string{
	syscall.ECONNREFUSED.Error(),
	syscall.ECONNRESET.Error(),
	syscall.ETIMEDOUT.Error(),
	"no such host",
	"remote error: handshake failure",
	io.ErrUnexpectedEOF.Error(),
	io.EOF.Error(),
}

// IsRetryableError looks at a bunch of connection related errors, and
// returns true if the error matches one of them. Retry loops use it to
// decide between backing off and giving up; an HTTP status from the far
// side is never retryable here, only failures to reach it.
func IsRetryableError(err error) bool {
	if neterr, ok := err.(net.Error); ok {
		if neterr.Temporary() {
			return true
		}
	}

	if neterr, ok := err.(net.Error); ok && neterr.Timeout() {
		return true
	}

	if urlerr, ok := err.(*url.Error); ok {
		if strings.Contains(urlerr.Error(), "use of closed network connection") {
			return true
		}

		if neturlerr, ok := urlerr.Err.(net.Error); ok && neturlerr.Timeout() {
			return true
		}
	}

	if strings.Contains(err.Error(), "request canceled while waiting for connection") {
		return true
	}

	s := err.Error()
	for _, suffix := range retryableErrorSuffixes {
		if strings.HasSuffix(s, suffix) {
			return true
		}
	}

	return false
}
