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
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Psiphon-Labs/pttun/pttun/common"
	"github.com/Psiphon-Labs/pttun/pttun/common/errors"
)

const (
	TCP_KEEPALIVE_IDLE_SECONDS     = 60
	TCP_KEEPALIVE_INTERVAL_SECONDS = 10
	TCP_KEEPALIVE_COUNT            = 3

	DIAL_TIMEOUT = 30 * time.Second
)

// Conn is the transport endpoint of an established session: an
// activity-monitored TCP connection with serialized frame writes and
// idempotent close. After a connection is up, client and server sides are
// symmetric.
type Conn struct {
	*common.ActivityMonitoredConn
	writeMutex sync.Mutex
	isClosed   int32
}

func newTransportConn(
	conn net.Conn, activityUpdater common.ActivityUpdater) *Conn {

	return &Conn{
		ActivityMonitoredConn: common.NewActivityMonitoredConn(
			conn, activityUpdater),
	}
}

// Write transmits the entire buffer or fails. Concurrent writers are
// serialized so frames never interleave on the wire.
func (conn *Conn) Write(buffer []byte) (int, error) {
	conn.writeMutex.Lock()
	defer conn.writeMutex.Unlock()

	if atomic.LoadInt32(&conn.isClosed) == 1 {
		return 0, errors.TraceNew("conn is closed")
	}

	// net.Conn.Write returns a short count only with a non-nil error.
	n, err := conn.ActivityMonitoredConn.Write(buffer)
	if err == nil && n < len(buffer) {
		return n, errors.TraceNew("short write")
	}
	// Note: no trace error to preserve error type
	return n, err
}

// Close is idempotent. Closing unblocks any in-flight Read.
func (conn *Conn) Close() error {
	if !atomic.CompareAndSwapInt32(&conn.isClosed, 0, 1) {
		return nil
	}
	return conn.ActivityMonitoredConn.Conn.Close()
}

// IsClosed implements common.Closer.
func (conn *Conn) IsClosed() bool {
	return atomic.LoadInt32(&conn.isClosed) == 1
}

// Transport owns the TCP endpoint: listening and accepting in server mode,
// dialing in client mode. Any I/O error on an established Conn bubbles up
// to the bridge, which ends the session; the controller then either
// re-accepts (server) or redials on a schedule (client).
type Transport struct {
	config          *Config
	activityUpdater common.ActivityUpdater
	listener        net.Listener
}

// NewTransport creates a Transport for the config. Established conns are
// wrapped with the activityUpdater for wire byte accounting.
func NewTransport(
	config *Config, activityUpdater common.ActivityUpdater) *Transport {

	return &Transport{
		config:          config,
		activityUpdater: activityUpdater,
	}
}

// Listen binds the server socket. Server mode only.
func (transport *Transport) Listen() error {

	listenConfig := &net.ListenConfig{
		Control: setListenerSocketOptions,
	}

	listener, err := listenConfig.Listen(
		context.Background(),
		"tcp",
		net.JoinHostPort("0.0.0.0", strconv.Itoa(transport.config.Port)))
	if err != nil {
		return errors.Trace(err)
	}

	transport.listener = listener
	return nil
}

// AcceptOne blocks until a client connects, returning the established
// conn. Pending accepts are interrupted when ctx is done.
func (transport *Transport) AcceptOne(ctx context.Context) (*Conn, error) {

	if transport.listener == nil {
		return nil, errors.TraceNew("not listening")
	}

	stopAccept := context.AfterFunc(ctx, func() {
		transport.listener.Close()
	})
	defer stopAccept()

	conn, err := transport.listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, errors.Trace(err)
	}

	err = configureTCPConn(conn)
	if err != nil {
		conn.Close()
		return nil, errors.Trace(err)
	}

	return newTransportConn(conn, transport.activityUpdater), nil
}

// Dial connects to the configured remote endpoint. Client mode only.
func (transport *Transport) Dial(ctx context.Context) (*Conn, error) {

	dialer := &net.Dialer{
		Timeout: DIAL_TIMEOUT,
		Control: setDialerSocketOptions,
	}

	conn, err := dialer.DialContext(
		ctx,
		"tcp",
		net.JoinHostPort(
			transport.config.RemoteHost,
			strconv.Itoa(transport.config.Port)))
	if err != nil {
		return nil, errors.Trace(err)
	}

	err = configureTCPConn(conn)
	if err != nil {
		conn.Close()
		return nil, errors.Trace(err)
	}

	return newTransportConn(conn, transport.activityUpdater), nil
}

// ListenerAddr returns the bound listener address, nil when not
// listening. The port is kernel-assigned when the configured port is 0.
func (transport *Transport) ListenerAddr() net.Addr {
	if transport.listener == nil {
		return nil
	}
	return transport.listener.Addr()
}

// CloseListener stops accepting new sessions. Idempotent.
func (transport *Transport) CloseListener() {
	if transport.listener != nil {
		transport.listener.Close()
	}
}

// configureTCPConn applies the established-connection socket options:
// coalescing off, and OS-level TCP keepalive probing under the frame-level
// keepalive thresholds, so dead peers are detected even when the session
// is idle.
func configureTCPConn(conn net.Conn) error {

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return errors.TraceNew("not a TCP conn")
	}

	err := tcpConn.SetNoDelay(true)
	if err != nil {
		return errors.Trace(err)
	}

	err = tcpConn.SetKeepAlive(true)
	if err != nil {
		return errors.Trace(err)
	}

	err = setTCPKeepAliveParameters(tcpConn)
	if err != nil {
		return errors.Trace(err)
	}

	return nil
}

func setSocketReuse(rawConn syscall.RawConn) error {
	var controlErr error
	err := rawConn.Control(func(fd uintptr) {
		controlErr = setReuseAddr(int(fd))
	})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(controlErr)
}

func setListenerSocketOptions(_, _ string, rawConn syscall.RawConn) error {
	return setSocketReuse(rawConn)
}

func setDialerSocketOptions(_, _ string, rawConn syscall.RawConn) error {
	return setSocketReuse(rawConn)
}
