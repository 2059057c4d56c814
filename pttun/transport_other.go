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

package pttun

import (
	"net"
	"time"

	"github.com/Psiphon-Labs/pttun/pttun/common/errors"
)

func setReuseAddr(_ int) error {
	// Not configured on this platform.
	return nil
}

// setTCPKeepAliveParameters applies the portable keepalive period where
// the per-probe parameters are Linux-specific.
func setTCPKeepAliveParameters(tcpConn *net.TCPConn) error {
	err := tcpConn.SetKeepAlivePeriod(
		TCP_KEEPALIVE_IDLE_SECONDS * time.Second)
	return errors.Trace(err)
}
