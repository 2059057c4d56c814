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

package pttun

import (
	"net"

	"github.com/Psiphon-Labs/pttun/pttun/common/errors"
	"golang.org/x/sys/unix"
)

func setReuseAddr(fd int) error {
	err := unix.SetsockoptInt(
		fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	return errors.Trace(err)
}

// setTCPKeepAliveParameters tunes the kernel keepalive probing of an
// established connection: first probe after TCP_KEEPALIVE_IDLE_SECONDS of
// idle, then every TCP_KEEPALIVE_INTERVAL_SECONDS, with the connection
// reset after TCP_KEEPALIVE_COUNT unanswered probes.
func setTCPKeepAliveParameters(tcpConn *net.TCPConn) error {

	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return errors.Trace(err)
	}

	var controlErr error
	err = rawConn.Control(func(fd uintptr) {

		controlErr = unix.SetsockoptInt(
			int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE,
			TCP_KEEPALIVE_IDLE_SECONDS)
		if controlErr != nil {
			return
		}

		controlErr = unix.SetsockoptInt(
			int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL,
			TCP_KEEPALIVE_INTERVAL_SECONDS)
		if controlErr != nil {
			return
		}

		controlErr = unix.SetsockoptInt(
			int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT,
			TCP_KEEPALIVE_COUNT)
	})
	if err != nil {
		return errors.Trace(err)
	}

	return errors.Trace(controlErr)
}
