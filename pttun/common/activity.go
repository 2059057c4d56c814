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
	"net"
	"sync/atomic"
	"time"
)

// ActivityMonitoredConn wraps a net.Conn, adding logic to deal with events
// triggered by I/O activity.
//
// ActivityMonitoredConn uses lock-free concurrency synronization, avoiding an
// additional mutex resource.
//
// Both reads and writes count as activity; writes may succeed locally due to
// buffering, so reads are the stronger signal, but either unblocks the
// peer-liveness accounting that the caller performs with GetIdleDuration.
//
// When an ActivityUpdater is set, its UpdateProgress method is called on each
// read and write with the number of bytes transferred.
type ActivityMonitoredConn struct {
	// Note: 64-bit ints used with atomic operations are placed
	// at the start of struct to ensure 64-bit alignment.
	// (https://golang.org/pkg/sync/atomic/#pkg-note-BUG)
	startTime        int64
	lastActivityTime int64
	net.Conn
	activityUpdater ActivityUpdater
}

// ActivityUpdater defines an interface for receiving updates for
// ActivityMonitoredConn activity. Values passed to UpdateProgress are bytes
// transferred since the previous UpdateProgress.
type ActivityUpdater interface {
	UpdateProgress(bytesRead, bytesWritten int64)
}

// NewActivityMonitoredConn creates a new ActivityMonitoredConn.
func NewActivityMonitoredConn(
	conn net.Conn,
	activityUpdater ActivityUpdater) *ActivityMonitoredConn {

	// time.Time values are not compatible with atomic operations, so the
	// monotonic clock readings are flattened to int64 nanoseconds.

	now := time.Now().UnixNano()

	return &ActivityMonitoredConn{
		Conn:             conn,
		startTime:        now,
		lastActivityTime: now,
		activityUpdater:  activityUpdater,
	}
}

// GetActiveDuration returns the time elapsed between the initialization of
// the ActivityMonitoredConn and the last I/O activity.
func (conn *ActivityMonitoredConn) GetActiveDuration() time.Duration {
	return time.Duration(atomic.LoadInt64(&conn.lastActivityTime) - conn.startTime)
}

// GetIdleDuration returns the time elapsed since the last I/O activity.
func (conn *ActivityMonitoredConn) GetIdleDuration() time.Duration {
	return time.Duration(time.Now().UnixNano() - atomic.LoadInt64(&conn.lastActivityTime))
}

// SetLastActivity overrides the last recorded activity time. This is for
// test use only.
func (conn *ActivityMonitoredConn) SetLastActivity(t time.Time) {
	atomic.StoreInt64(&conn.lastActivityTime, t.UnixNano())
}

func (conn *ActivityMonitoredConn) Read(buffer []byte) (int, error) {
	n, err := conn.Conn.Read(buffer)
	if n > 0 {
		atomic.StoreInt64(&conn.lastActivityTime, time.Now().UnixNano())

		if conn.activityUpdater != nil {
			conn.activityUpdater.UpdateProgress(int64(n), 0)
		}
	}
	// Note: no trace error to preserve error type
	return n, err
}

func (conn *ActivityMonitoredConn) Write(buffer []byte) (int, error) {
	n, err := conn.Conn.Write(buffer)
	if n > 0 {
		atomic.StoreInt64(&conn.lastActivityTime, time.Now().UnixNano())

		if conn.activityUpdater != nil {
			conn.activityUpdater.UpdateProgress(0, int64(n))
		}
	}
	// Note: no trace error to preserve error type
	return n, err
}

// IsClosed implements the Closer interface. The return value indicates
// whether the underlying conn has been closed.
func (conn *ActivityMonitoredConn) IsClosed() bool {
	closer, ok := conn.Conn.(Closer)
	if !ok {
		return false
	}
	return closer.IsClosed()
}
