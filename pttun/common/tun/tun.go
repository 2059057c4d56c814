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

/*

Package tun is the virtual network interface endpoint of the pttun bridge.
It opens and configures a kernel tun device and exchanges whole IP packets
with it; one Read or Write on the device is one packet, with no length
prefix.

Device creation requires the process to run as root or have CAP_NET_ADMIN.
Interface addressing, MTU, and routes are configured by invoking the
platform network configuration commands, optionally under sudo.

*/
package tun

import (
	"io"

	"github.com/Psiphon-Labs/pttun/pttun/common"
	"github.com/Psiphon-Labs/pttun/pttun/common/errors"
)

const (
	// DEFAULT_MTU is the tun device MTU when none is configured. A
	// full-size 1408-byte packet is carried in a 1496-byte frame: the
	// 56-byte frame header, the 16-byte data IV, and 1424 bytes of padded
	// ciphertext.
	DEFAULT_MTU = 1408

	MIN_MTU = 576
	MAX_MTU = 1408
)

// Config specifies a tun device.
type Config struct {

	// Logger is used for logging events.
	Logger common.Logger

	// DeviceName is the requested interface name, e.g. "tun0". When
	// blank, the kernel assigns the next free tun interface name.
	DeviceName string

	// LocalIPAddress and RemoteIPAddress are the IPv4 addresses of the
	// point-to-point link the device carries.
	LocalIPAddress  string
	RemoteIPAddress string

	// MTU is the device MTU. Values outside [MIN_MTU, MAX_MTU] are
	// clamped; 0 selects DEFAULT_MTU.
	MTU int

	// RouteDestinations are host (IP) or network (CIDR) destinations to
	// route through the device.
	RouteDestinations []string

	// SudoNetworkConfigCommands specifies whether to use "sudo" when
	// executing network configuration commands. This is required when
	// the process is not run as root and process capabilities are not
	// available.
	SudoNetworkConfigCommands bool
}

func getMTU(MTU int) int {
	if MTU <= 0 {
		return DEFAULT_MTU
	} else if MTU < MIN_MTU {
		return MIN_MTU
	} else if MTU > MAX_MTU {
		return MAX_MTU
	}
	return MTU
}

// Device manages a tun device.
type Device struct {
	name          string
	deviceIO      io.ReadWriteCloser
	inboundBuffer []byte
	mtu           int
}

// NewDevice creates and configures a new tun device per the config.
func NewDevice(config *Config) (*Device, error) {

	deviceIO, deviceName, err := createTunDevice(config.DeviceName)
	if err != nil {
		return nil, errors.Trace(err)
	}

	err = configureInterface(config, deviceName)
	if err != nil {
		deviceIO.Close()
		return nil, errors.Trace(err)
	}

	MTU := getMTU(config.MTU)

	return &Device{
		name:          deviceName,
		deviceIO:      deviceIO,
		inboundBuffer: make([]byte, MTU),
		mtu:           MTU,
	}, nil
}

// Name returns the interface name of the created tun device. The interface
// name may be used for additional network and routing configuration.
func (device *Device) Name() string {
	return device.name
}

// MTU returns the configured device MTU.
func (device *Device) MTU() int {
	return device.mtu
}

// ReadPacket reads one full IP packet from the tun device. The return value
// is a slice of a static, reused buffer, so the value is only valid until
// the next ReadPacket call. Concurrent calls to ReadPacket are not
// supported.
func (device *Device) ReadPacket() ([]byte, error) {

	// Assumes the buffer sized to the MTU is sufficiently large to always
	// read a complete packet.

	n, err := device.deviceIO.Read(device.inboundBuffer)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return device.inboundBuffer[0:n], nil
}

// WritePacket writes one full IP packet to the tun device.
func (device *Device) WritePacket(packet []byte) error {

	_, err := device.deviceIO.Write(packet)
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}

// Close interrupts any blocking Read/Write calls and tears down the tun
// device.
func (device *Device) Close() error {
	return device.deviceIO.Close()
}

// AddRoutes routes the configured destinations through the device.
// Destinations may be hosts (IPs) or networks (CIDRs).
func AddRoutes(config *Config, deviceName string) error {

	for _, destination := range config.RouteDestinations {

		// Note: use "replace" instead of "add" as a route from a previous
		// run may not yet be cleared.

		err := routeCommand(config, "replace", destination, deviceName)
		if err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// RemoveRoutes restores the routing table, removing the routes added by
// AddRoutes. Removal failures are logged and skipped; remaining routes
// drop with the device.
func RemoveRoutes(config *Config, deviceName string) {

	for _, destination := range config.RouteDestinations {

		err := routeCommand(config, "del", destination, deviceName)
		if err != nil {
			config.Logger.WithTraceFields(
				common.LogFields{
					"destination": destination,
					"error":       err,
				}).Warning("remove route failed")
		}
	}
}
