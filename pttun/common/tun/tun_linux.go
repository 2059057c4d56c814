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

package tun

import (
	"io"
	"os"
	"strconv"

	"github.com/Psiphon-Labs/pttun/pttun/common/errors"
	"golang.org/x/sys/unix"
)

// IsSupported indicates if tun devices are supported on the current
// platform.
func IsSupported() bool {
	return true
}

func createTunDevice(deviceName string) (io.ReadWriteCloser, string, error) {

	// Requires process to run as root or have CAP_NET_ADMIN.

	file, err := os.OpenFile("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return nil, "", errors.Trace(err)
	}

	// Note: using IFF_NO_PI, so packets have no size/flags header. This
	// does mean that if the MTU is changed after the tun device is
	// initialized, packets could be truncated when read.

	if deviceName == "" {
		deviceName = "tun%d"
	}

	ifReq, err := unix.NewIfreq(deviceName)
	if err != nil {
		file.Close()
		return nil, "", errors.Trace(err)
	}
	ifReq.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)

	err = unix.IoctlIfreq(int(file.Fd()), unix.TUNSETIFF, ifReq)
	if err != nil {
		file.Close()
		return nil, "", errors.Trace(err)
	}

	return file, ifReq.Name(), nil
}

func configureInterface(
	config *Config, deviceName string) error {

	// Set the point-to-point addresses, MTU, and link state. Routes set on
	// the device automatically drop when the tun device is removed.

	err := runNetworkConfigCommand(
		config.Logger,
		config.SudoNetworkConfigCommands,
		"ip",
		"addr", "add",
		config.LocalIPAddress,
		"peer", config.RemoteIPAddress,
		"dev", deviceName)
	if err != nil {
		return errors.Trace(err)
	}

	err = runNetworkConfigCommand(
		config.Logger,
		config.SudoNetworkConfigCommands,
		"ip",
		"link", "set",
		"dev", deviceName,
		"mtu", strconv.Itoa(getMTU(config.MTU)),
		"up")
	if err != nil {
		return errors.Trace(err)
	}

	return nil
}

func routeCommand(
	config *Config, action, destination, deviceName string) error {

	err := runNetworkConfigCommand(
		config.Logger,
		config.SudoNetworkConfigCommands,
		"ip",
		"route", action,
		destination,
		"dev", deviceName)
	if err != nil {
		return errors.Trace(err)
	}

	return nil
}
