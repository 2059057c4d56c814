/*
 * Copyright (c) 2024, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"crypto/rand"
	"fmt"

	"github.com/Psiphon-Labs/pttun/pttun/common/errors"
)

// MakeSecureRandomBytes is a helper function that wraps crypto/rand.Read.
func MakeSecureRandomBytes(length int) ([]byte, error) {
	randomBytes := make([]byte, length)
	n, err := rand.Read(randomBytes)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if n != length {
		return nil, errors.TraceNew("insufficient random bytes")
	}
	return randomBytes, nil
}

// Closer defines the interface to a type, typically a net.Conn, that can be
// closed and queried for its closed state.
type Closer interface {
	IsClosed() bool
}

// FormatByteCount returns a string representation of the specified
// byte count in conventional, human-readable format.
func FormatByteCount(bytes uint64) string {
	// https://stackoverflow.com/questions/2510434/format-bytes-to-kilobytes-megabytes-gigabytes
	base := uint64(1024)
	if bytes < base {
		return fmt.Sprintf("%dB", bytes)
	}
	bytes = bytes / base
	exp := 0
	for bytes >= base {
		bytes = bytes / base
		exp++
	}
	return fmt.Sprintf(
		"%d%c", bytes, "KMGTPEZ"[exp])
}
