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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {

	makeValid := func() *Config {
		return &Config{
			Mode:             MODE_CLIENT,
			RemoteHost:       "192.0.2.1",
			LocalTunIP:       "10.128.0.1",
			RemoteTunIP:      "10.128.0.2",
			PSK:              []byte(testPSK),
			EnableEncryption: true,
		}
	}

	config := makeValid()
	require.NoError(t, config.Validate())

	// Defaults applied on validate.
	require.Equal(t, DEFAULT_PORT, config.Port)
	require.Equal(t, DEFAULT_RECONNECT_INTERVAL, config.ReconnectInterval)

	config = makeValid()
	config.Mode = "relay"
	require.Error(t, config.Validate())

	config = makeValid()
	config.RemoteHost = ""
	require.Error(t, config.Validate())

	// A server does not need a remote host.
	config = makeValid()
	config.Mode = MODE_SERVER
	config.RemoteHost = ""
	require.NoError(t, config.Validate())

	config = makeValid()
	config.Port = 65536
	require.Error(t, config.Validate())

	config = makeValid()
	config.LocalTunIP = "not-an-address"
	require.Error(t, config.Validate())

	config = makeValid()
	config.RemoteTunIP = "2001:db8::1"
	require.Error(t, config.Validate())

	config = makeValid()
	config.PSK = []byte("short")
	require.Error(t, config.Validate())

	// A short PSK is accepted when encryption is off.
	config = makeValid()
	config.PSK = nil
	config.EnableEncryption = false
	require.NoError(t, config.Validate())

	config = makeValid()
	config.ReconnectInterval = 1 * time.Second
	require.NoError(t, config.Validate())
	require.Equal(t, 1*time.Second, config.ReconnectInterval)
}

func TestGeneratePSK(t *testing.T) {

	psk, err := GeneratePSK()
	require.NoError(t, err)
	require.Len(t, psk, 2*GENERATED_PSK_BYTES)

	_, err = hex.DecodeString(psk)
	require.NoError(t, err)

	second, err := GeneratePSK()
	require.NoError(t, err)
	require.NotEqual(t, psk, second)
}

func TestLoadPSKFile(t *testing.T) {

	filename := filepath.Join(t.TempDir(), "psk")

	err := os.WriteFile(filename, []byte("  "+testPSK+"\n"), 0600)
	require.NoError(t, err)

	psk, err := LoadPSKFile(filename)
	require.NoError(t, err)
	require.Equal(t, []byte(testPSK), psk)

	err = os.WriteFile(filename, []byte("short\n"), 0600)
	require.NoError(t, err)
	_, err = LoadPSKFile(filename)
	require.Error(t, err)

	_, err = LoadPSKFile(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}
