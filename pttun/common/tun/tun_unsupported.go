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

//go:build !linux

package tun

import (
	"io"

	"github.com/Psiphon-Labs/pttun/pttun/common/errors"
)

var errUnsupported = errors.TraceNew("operation is not supported on this platform")

// IsSupported indicates if tun devices are supported on the current
// platform.
func IsSupported() bool {
	return false
}

func createTunDevice(_ string) (io.ReadWriteCloser, string, error) {
	return nil, "", errors.Trace(errUnsupported)
}

func configureInterface(_ *Config, _ string) error {
	return errors.Trace(errUnsupported)
}

func routeCommand(_ *Config, _, _, _ string) error {
	return errors.Trace(errUnsupported)
}
