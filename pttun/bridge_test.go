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
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/Psiphon-Labs/pttun/pttun/common/protocol"
	"github.com/Psiphon-Labs/pttun/pttun/common/securechannel"
	"github.com/stretchr/testify/require"
)

var testPSK = "0123456789abcdef0123456789abcdef"

// A 24-byte minimally-valid IPv4 header+body.
var testPacket = append(
	append([]byte{0x45, 0x00, 0x00, 0x14}, make([]byte, 16)...),
	0xDE, 0xAD, 0xBE, 0xEF)

type testDevice struct {
	packets chan []byte
}

func newTestDevice() *testDevice {
	return &testDevice{packets: make(chan []byte, 64)}
}

func (device *testDevice) WritePacket(packet []byte) error {
	device.packets <- append([]byte(nil), packet...)
	return nil
}

func (device *testDevice) expectPacket(t *testing.T, expected []byte) {
	select {
	case packet := <-device.packets:
		require.Equal(t, expected, packet)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for packet")
	}
}

func (device *testDevice) expectNoPacket(t *testing.T, within time.Duration) {
	select {
	case packet := <-device.packets:
		t.Fatalf("unexpected packet: %x", packet)
	case <-time.After(within):
	}
}

func newTestConfig(t *testing.T, mode, psk string) *Config {
	config := &Config{
		Mode:             mode,
		RemoteHost:       "127.0.0.1",
		LocalTunIP:       "10.128.0.1",
		RemoteTunIP:      "10.128.0.2",
		PSK:              []byte(psk),
		EnableEncryption: true,
	}
	err := config.Validate()
	require.NoError(t, err)
	return config
}

type testBridge struct {
	bridge   *Bridge
	channel  *securechannel.Channel
	device   *testDevice
	upstream chan []byte
	metrics  *Metrics
	done     chan error
}

// startTestBridge runs a bridge over one end of a pipe with short test
// timer periods.
func startTestBridge(
	t *testing.T,
	ctx context.Context,
	mode, psk string,
	conn net.Conn,
	enableKeepalive bool) *testBridge {

	config := newTestConfig(t, mode, psk)
	config.EnableKeepalive = enableKeepalive

	channel, err := securechannel.NewChannel([]byte(psk))
	require.NoError(t, err)

	device := newTestDevice()
	upstream := make(chan []byte, UPSTREAM_QUEUE_SIZE)
	metrics := &Metrics{}

	bridge := NewBridge(
		config, channel, newTransportConn(conn, metrics),
		device, upstream, metrics)
	bridge.tickPeriod = 5 * time.Millisecond
	bridge.authAttemptInterval = 25 * time.Millisecond
	bridge.keepaliveInterval = 30 * time.Millisecond
	bridge.livenessWindow = 50 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		done <- bridge.Run(ctx)
	}()

	return &testBridge{
		bridge:   bridge,
		channel:  channel,
		device:   device,
		upstream: upstream,
		metrics:  metrics,
		done:     done,
	}
}

// scriptedPeer drives the remote side of a session directly with the
// protocol and securechannel packages.
type scriptedPeer struct {
	t       *testing.T
	conn    net.Conn
	framer  *protocol.Framer
	channel *securechannel.Channel
}

func newScriptedPeer(t *testing.T, conn net.Conn, psk string) *scriptedPeer {
	channel, err := securechannel.NewChannel([]byte(psk))
	require.NoError(t, err)
	return &scriptedPeer{
		t:       t,
		conn:    conn,
		framer:  protocol.NewFramer(conn),
		channel: channel,
	}
}

// serveHandshake accepts the bridge client's authentication request.
func (peer *scriptedPeer) serveHandshake() {
	frame, err := peer.framer.ReadFrame()
	require.NoError(peer.t, err)
	require.Equal(peer.t, byte(protocol.PacketTypeAuthRequest), frame.Type)

	response, err := peer.channel.HandleAuthRequest(frame)
	require.NoError(peer.t, err)

	err = peer.framer.WriteFrame(response)
	require.NoError(peer.t, err)
}

// clientHandshake authenticates against a bridge server.
func (peer *scriptedPeer) clientHandshake() {
	request, err := peer.channel.CreateAuthRequest()
	require.NoError(peer.t, err)
	err = peer.framer.WriteFrame(request)
	require.NoError(peer.t, err)

	response, err := peer.framer.ReadFrame()
	require.NoError(peer.t, err)
	err = peer.channel.HandleAuthResponse(response)
	require.NoError(peer.t, err)
}

func (peer *scriptedPeer) sendData(data []byte) {
	frame, err := peer.channel.Wrap(data)
	require.NoError(peer.t, err)
	err = peer.framer.WriteFrame(frame)
	require.NoError(peer.t, err)
}

func (peer *scriptedPeer) sendFrame(frame *protocol.Frame) {
	err := peer.framer.WriteFrame(frame)
	require.NoError(peer.t, err)
}

func waitAuthenticated(t *testing.T, channels ...*securechannel.Channel) {
	require.Eventually(t,
		func() bool {
			for _, channel := range channels {
				if !channel.IsAuthenticated() {
					return false
				}
			}
			return true
		},
		5*time.Second, 5*time.Millisecond)
}

func TestBridgeEcho(t *testing.T) {

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientConn, serverConn := net.Pipe()

	client := startTestBridge(t, ctx, MODE_CLIENT, testPSK, clientConn, false)
	server := startTestBridge(t, ctx, MODE_SERVER, testPSK, serverConn, false)

	waitAuthenticated(t, client.channel, server.channel)

	// Upstream: client tun -> server tun, delivered exactly once.
	client.upstream <- append([]byte(nil), testPacket...)
	server.device.expectPacket(t, testPacket)
	server.device.expectNoPacket(t, 100*time.Millisecond)

	// Downstream: server tun -> client tun.
	reply := bytes.Repeat([]byte{0x5A}, 1200)
	server.upstream <- append([]byte(nil), reply...)
	client.device.expectPacket(t, reply)

	// Per-direction ordering.
	first := append([]byte(nil), testPacket...)
	second := bytes.Repeat([]byte{0x02}, 600)
	client.upstream <- first
	client.upstream <- second
	server.device.expectPacket(t, testPacket)
	server.device.expectPacket(t, second)

	cancel()
	require.NoError(t, <-client.done)
	require.NoError(t, <-server.done)
}

func TestBridgePSKMismatch(t *testing.T) {

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientConn, serverConn := net.Pipe()

	client := startTestBridge(
		t, ctx, MODE_CLIENT, "aaaaaaaaaaaaaaaa", clientConn, false)
	server := startTestBridge(
		t, ctx, MODE_SERVER, "bbbbbbbbbbbbbbbb", serverConn, false)

	require.Eventually(t,
		func() bool { return server.metrics.GetAuthFailures() >= 1 },
		5*time.Second, 5*time.Millisecond)

	require.False(t, client.channel.IsAuthenticated())
	require.False(t, server.channel.IsAuthenticated())

	// No data packet is ever forwarded: outbound packets are dropped at
	// the unauthenticated client, and nothing reaches either device.
	client.upstream <- append([]byte(nil), testPacket...)
	require.Eventually(t,
		func() bool { return client.metrics.GetDroppedPackets() >= 1 },
		5*time.Second, 5*time.Millisecond)
	server.device.expectNoPacket(t, 100*time.Millisecond)

	cancel()
	<-client.done
	<-server.done
}

func TestBridgeTamperedData(t *testing.T) {

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bridgeConn, peerConn := net.Pipe()

	server := startTestBridge(t, ctx, MODE_SERVER, testPSK, bridgeConn, false)

	peer := newScriptedPeer(t, peerConn, testPSK)
	peer.clientHandshake()
	waitAuthenticated(t, server.channel)

	// A valid frame is forwarded.
	peer.sendData(testPacket)
	server.device.expectPacket(t, testPacket)

	// Flipping one bit in the digest drops the frame without forwarding.
	dropped := server.metrics.GetDroppedPackets()

	frame, err := peer.channel.Wrap(testPacket)
	require.NoError(t, err)
	frame.HMAC[protocol.HMACSize-1] ^= 0x01
	peer.sendFrame(frame)

	require.Eventually(t,
		func() bool {
			return server.metrics.GetDroppedPackets() == dropped+1
		},
		5*time.Second, 5*time.Millisecond)
	server.device.expectNoPacket(t, 100*time.Millisecond)

	// The session survives: subsequent valid frames are forwarded.
	peer.sendData(testPacket)
	server.device.expectPacket(t, testPacket)

	cancel()
	require.NoError(t, <-server.done)
}

func TestBridgeUnknownPacketType(t *testing.T) {

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bridgeConn, peerConn := net.Pipe()

	server := startTestBridge(t, ctx, MODE_SERVER, testPSK, bridgeConn, false)

	peer := newScriptedPeer(t, peerConn, testPSK)
	peer.clientHandshake()
	waitAuthenticated(t, server.channel)

	dropped := server.metrics.GetDroppedPackets()
	peer.sendFrame(&protocol.Frame{Type: 0x7F})

	require.Eventually(t,
		func() bool {
			return server.metrics.GetDroppedPackets() == dropped+1
		},
		5*time.Second, 5*time.Millisecond)
	server.device.expectNoPacket(t, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-server.done)
}

func TestBridgeDataBeforeAuthentication(t *testing.T) {

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bridgeConn, peerConn := net.Pipe()

	server := startTestBridge(t, ctx, MODE_SERVER, testPSK, bridgeConn, false)

	// An unauthenticated peer's data frame is dropped, not processed.
	peer := newScriptedPeer(t, peerConn, testPSK)
	peer.sendFrame(&protocol.Frame{
		Type:    protocol.PacketTypeData,
		Payload: bytes.Repeat([]byte{0x41}, 48),
	})

	require.Eventually(t,
		func() bool { return server.metrics.GetDroppedPackets() >= 1 },
		5*time.Second, 5*time.Millisecond)
	server.device.expectNoPacket(t, 50*time.Millisecond)
	require.False(t, server.channel.IsAuthenticated())

	cancel()
	require.NoError(t, <-server.done)
}

func TestBridgeOversizedFrame(t *testing.T) {

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bridgeConn, peerConn := net.Pipe()

	server := startTestBridge(t, ctx, MODE_SERVER, testPSK, bridgeConn, false)

	// A header announcing a 2GB payload drops the connection promptly.
	header := make([]byte, protocol.HeaderSize)
	header[0] = protocol.PacketTypeData
	binary.BigEndian.PutUint32(header[4:], 1<<31)
	_, err := peerConn.Write(header)
	require.NoError(t, err)

	select {
	case err := <-server.done:
		require.Error(t, err)
	case <-time.After(1 * time.Second):
		t.Fatal("oversized frame did not end the session")
	}
}

func TestBridgeKeepalive(t *testing.T) {

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bridgeConn, peerConn := net.Pipe()

	client := startTestBridge(t, ctx, MODE_CLIENT, testPSK, bridgeConn, true)

	peer := newScriptedPeer(t, peerConn, testPSK)
	peer.serveHandshake()
	waitAuthenticated(t, client.channel)

	// Make the connection unhealthy: no activity within the liveness
	// window.
	client.bridge.conn.SetLastActivity(
		time.Now().Add(-2 * client.bridge.livenessWindow))

	// Exactly one keepalive is emitted: the probe itself restores
	// last-activity, so no second probe follows immediately.
	frame, err := peer.framer.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, byte(protocol.PacketTypeData), frame.Type)
	plaintext, err := peer.channel.Unwrap(frame)
	require.NoError(t, err)
	require.Equal(t, []byte(securechannel.KeepaliveMagic), plaintext)

	readDone := make(chan struct{})
	go func() {
		peer.framer.ReadFrame()
		close(readDone)
	}()
	select {
	case <-readDone:
		t.Fatal("unexpected second keepalive")
	case <-time.After(25 * time.Millisecond):
	}

	// A received keepalive updates liveness only: nothing is written to
	// the tun device and nothing is counted as dropped.
	dropped := client.metrics.GetDroppedPackets()
	peer.sendData(securechannel.KeepaliveMagic)
	peer.sendFrame(&protocol.Frame{Type: protocol.PacketTypeKeepalive})
	client.device.expectNoPacket(t, 100*time.Millisecond)
	require.Equal(t, dropped, client.metrics.GetDroppedPackets())

	cancel()
	require.NoError(t, <-client.done)
}

func TestBridgeAuthThrottle(t *testing.T) {

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bridgeConn, peerConn := net.Pipe()

	server := startTestBridge(t, ctx, MODE_SERVER, testPSK, bridgeConn, false)

	// A burst of handshakes under a wrong PSK: the limiter bounds the key
	// derivation work, so only the first few attempts are processed and
	// counted.
	peer := newScriptedPeer(t, peerConn, "cccccccccccccccc")
	for i := 0; i < 10; i++ {
		request, err := peer.channel.CreateAuthRequest()
		require.NoError(t, err)
		peer.sendFrame(request)
	}

	require.Eventually(t,
		func() bool { return server.metrics.GetAuthFailures() >= 1 },
		5*time.Second, 5*time.Millisecond)
	require.LessOrEqual(t, server.metrics.GetAuthFailures(), int64(3))
	require.False(t, server.channel.IsAuthenticated())

	cancel()
	require.NoError(t, <-server.done)
}

func TestBridgeStopIdempotent(t *testing.T) {

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	client := startTestBridge(t, ctx, MODE_CLIENT, testPSK, clientConn, false)

	// Wait for the run to be underway, then stop twice.
	require.Eventually(t,
		func() bool {
			client.bridge.stopMutex.Lock()
			defer client.bridge.stopMutex.Unlock()
			return client.bridge.stopRunning != nil
		},
		5*time.Second, 5*time.Millisecond)

	client.bridge.Stop()
	client.bridge.Stop()

	require.NoError(t, <-client.done)
	require.True(t, client.bridge.conn.IsClosed())
}

func TestBridgePeerDisconnect(t *testing.T) {

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientConn, serverConn := net.Pipe()

	client := startTestBridge(t, ctx, MODE_CLIENT, testPSK, clientConn, false)

	// A peer close is a transport fault that ends the session with an
	// error, signaling the controller to reconnect.
	serverConn.Close()

	select {
	case err := <-client.done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect did not end the session")
	}
}
