package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// KeyPrefix namespaces keys inside a shared bucket or container.
type KeyPrefix string

// NewKeyPrefix drops leading and trailing slashes from p.
func NewKeyPrefix(p string) KeyPrefix {
	return KeyPrefix(strings.Trim(p, "/"))
}

// Object returns the backend object name for key.
func (p KeyPrefix) Object(key string) string {
	key = strings.TrimPrefix(key, "/")
	if p == "" {
		return key
	}
	return string(p) + "/" + key
}

// Key maps an object name back to its key. ok is false for names outside p.
func (p KeyPrefix) Key(object string) (key string, ok bool) {
	if p == "" {
		return object, true
	}
	return strings.CutPrefix(object, string(p)+"/")
}

// TrimETag removes the quotes HTTP object stores put around ETags.
func TrimETag(etag string) string {
	return strings.Trim(etag, `"`)
}

var connectionErrnos = []syscall.Errno{
	syscall.ECONNRESET,
	syscall.ECONNABORTED,
	syscall.ECONNREFUSED,
	syscall.EPIPE,
	syscall.EHOSTUNREACH,
	syscall.ENETUNREACH,
}

// IsConnectionError reports failures of the connection itself rather than of
// the request: resets, refusals, truncated reads, timeouts and temporary DNS
// errors. context.Canceled is never one.
func IsConnectionError(err error) bool {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}
	for _, errno := range connectionErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var dns *net.DNSError
	return errors.As(err, &dns) && dns.IsTemporary
}

// Wrap prefixes err with op and marks it transient when retry is set.
func Wrap(err error, retry bool, op string) error {
	if err == nil {
		return nil
	}
	err = fmt.Errorf("%s: %w", op, err)
	if retry {
		return NewTransientError(err)
	}
	return err
}
