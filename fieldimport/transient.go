// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldimport

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// connErrorSignatures are driver/network messages that mean the connection went away
var connErrorSignatures = []string{
	"connection reset",
	"broken pipe",
	"server closed the connection",
	"conn closed",
	"connection refused",
	"unexpected eof",
	"terminating connection",
	"connection timed out",
	"no connection to the server",
}

// IsTransientConnError reports whether err means the database connection dropped,
// as opposed to the server rejecting the statement.
func IsTransientConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := pgErr.SQLState()
		// class 08 connection_exception; 57P01..03 admin/crash shutdown, cannot connect now
		return strings.HasPrefix(code, "08") || code == "57P01" || code == "57P02" || code == "57P03"
	}

	if pgconn.SafeToRetry(err) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range connErrorSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
