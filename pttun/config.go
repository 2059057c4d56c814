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
	"encoding/hex"
	"net"
	"os"
	"strings"
	"time"

	"github.com/Psiphon-Labs/pttun/pttun/common"
	"github.com/Psiphon-Labs/pttun/pttun/common/errors"
	"github.com/Psiphon-Labs/pttun/pttun/common/securechannel"
)

// Operating modes.
const (
	MODE_CLIENT = "client"
	MODE_SERVER = "server"
)

const (
	DEFAULT_PORT               = 51860
	DEFAULT_RECONNECT_INTERVAL = 5 * time.Second

	GENERATED_PSK_BYTES = 32
)

// Config specifies a pttun endpoint. Config is immutable after Validate.
type Config struct {

	// Mode selects the endpoint role, MODE_CLIENT or MODE_SERVER. A
	// client connects and initiates authentication; a server listens and
	// accepts one client at a time.
	Mode string

	// RemoteHost is the server address. Client mode only.
	RemoteHost string

	// Port is the TCP port the server listens on and the client connects
	// to. 0 selects DEFAULT_PORT.
	Port int

	// TunDeviceName is the requested tun interface name. When blank, the
	// kernel assigns one.
	TunDeviceName string

	// LocalTunIP and RemoteTunIP are the IPv4 addresses of the
	// point-to-point link.
	LocalTunIP  string
	RemoteTunIP string

	// TunMTU is the tun device MTU. Out-of-range values are clamped by
	// the tun package.
	TunMTU int

	// PSK is the pre-shared key. Required unless encryption is disabled.
	PSK []byte

	// EnableEncryption selects the authenticated encryption channel.
	// Disabling it sends traffic in plaintext and is for debugging only.
	EnableEncryption bool

	// EnableKeepalive enables periodic liveness probes on an idle
	// session.
	EnableKeepalive bool

	// ReconnectInterval is the pause between client reconnection
	// attempts. 0 selects DEFAULT_RECONNECT_INTERVAL.
	ReconnectInterval time.Duration

	// EnableAutoRoute routes RouteDestinations through the tun device for
	// the session lifetime.
	EnableAutoRoute bool

	// RouteDestinations are host (IP) or network (CIDR) destinations for
	// EnableAutoRoute.
	RouteDestinations []string

	// SudoNetworkConfigCommands specifies whether to use "sudo" when
	// executing network configuration commands.
	SudoNetworkConfigCommands bool
}

// Validate checks the config for a consistent, complete endpoint
// specification, applying defaults where values are unset.
func (config *Config) Validate() error {

	if config.Mode != MODE_CLIENT && config.Mode != MODE_SERVER {
		return errors.Tracef("invalid mode: %q", config.Mode)
	}

	if config.Mode == MODE_CLIENT {
		if config.RemoteHost == "" {
			return errors.TraceNew("client mode requires a remote host")
		}
	}

	if config.Port == 0 {
		config.Port = DEFAULT_PORT
	}
	if config.Port < 1 || config.Port > 65535 {
		return errors.Tracef("invalid port: %d", config.Port)
	}

	if config.LocalTunIP == "" || config.RemoteTunIP == "" {
		return errors.TraceNew("tun addresses are required")
	}
	for _, address := range []string{config.LocalTunIP, config.RemoteTunIP} {
		IP := net.ParseIP(address)
		if IP == nil || IP.To4() == nil {
			return errors.Tracef("invalid IPv4 address: %q", address)
		}
	}

	if config.EnableEncryption &&
		len(config.PSK) < securechannel.MinPSKLength {
		return errors.Trace(securechannel.ErrShortPSK)
	}

	if config.ReconnectInterval == 0 {
		config.ReconnectInterval = DEFAULT_RECONNECT_INTERVAL
	}

	return nil
}

// LoadPSKFile reads a pre-shared key from a file, once, at startup. The
// key is the file content with surrounding whitespace trimmed.
func LoadPSKFile(filename string) ([]byte, error) {
	contents, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Trace(err)
	}
	psk := []byte(strings.TrimSpace(string(contents)))
	if len(psk) < securechannel.MinPSKLength {
		return nil, errors.Trace(securechannel.ErrShortPSK)
	}
	return psk, nil
}

// GeneratePSK produces a new random pre-shared key in hex form, suitable
// for distribution to both endpoints out-of-band.
func GeneratePSK() (string, error) {
	randomBytes, err := common.MakeSecureRandomBytes(GENERATED_PSK_BYTES)
	if err != nil {
		return "", errors.Trace(err)
	}
	return hex.EncodeToString(randomBytes), nil
}
