package network

import (
	"errors"
	"io"
	"net"
	"syscall"
)

var (
	// ErrWouldBlock is returned by non-blocking socket operations that cannot progress right now.
	ErrWouldBlock = errors.New("operation would block")
	// ErrClosed is returned by operations on a closed socket.
	ErrClosed = errors.New("socket closed")
)

// NetworkError classifies socket errors into the cases the handlers act upon.
type NetworkError struct {
	err error
}

// NewNetworkError wraps err. A nil err means "no error".
func NewNetworkError(err error) NetworkError {
	return NetworkError{err: err}
}

// HasError reports whether an error is present.
func (e NetworkError) HasError() bool {
	return e.err != nil
}

// WouldBlock reports whether the operation should simply be retried later.
func (e NetworkError) WouldBlock() bool {
	if e.err == nil {
		return false
	}
	if errors.Is(e.err, ErrWouldBlock) || errors.Is(e.err, syscall.EAGAIN) || errors.Is(e.err, syscall.EWOULDBLOCK) {
		return true
	}
	var ne net.Error
	return errors.As(e.err, &ne) && ne.Timeout()
}

// IsConnectionReset reports whether the peer dropped the connection.
func (e NetworkError) IsConnectionReset() bool {
	if e.err == nil {
		return false
	}
	return errors.Is(e.err, syscall.ECONNRESET) ||
		errors.Is(e.err, syscall.ECONNABORTED) ||
		errors.Is(e.err, syscall.EPIPE) ||
		errors.Is(e.err, io.EOF) ||
		errors.Is(e.err, io.ErrUnexpectedEOF)
}

// IsConnectInProgress reports whether a non-blocking connect has not finished yet.
func (e NetworkError) IsConnectInProgress() bool {
	if e.err == nil {
		return false
	}
	return errors.Is(e.err, syscall.EINPROGRESS) || errors.Is(e.err, syscall.EALREADY) || errors.Is(e.err, syscall.EWOULDBLOCK)
}

// AsString returns a human readable description.
func (e NetworkError) AsString() string {
	if e.err == nil {
		return "no error"
	}
	return e.err.Error()
}

func (e NetworkError) Error() string { return e.AsString() }

func (e NetworkError) Unwrap() error { return e.err }
