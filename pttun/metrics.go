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
	"sync/atomic"

	"github.com/Psiphon-Labs/pttun/pttun/common"
)

// Metrics holds the bridge forwarding counters. Counters are atomic and
// eventually consistent; there is no happens-before relationship between
// them beyond per-counter atomicity.
type Metrics struct {
	// Note: 64-bit ints used with atomic operations are placed
	// at the start of struct to ensure 64-bit alignment.
	// (https://golang.org/pkg/sync/atomic/#pkg-note-BUG)
	packetsSent     int64
	packetsReceived int64
	bytesSent       int64
	bytesReceived   int64
	wireBytesUp     int64
	wireBytesDown   int64
	droppedPackets  int64
	authFailures    int64
}

// RecordSent counts one packet forwarded from the tun device to the peer.
func (metrics *Metrics) RecordSent(packetBytes int) {
	atomic.AddInt64(&metrics.packetsSent, 1)
	atomic.AddInt64(&metrics.bytesSent, int64(packetBytes))
}

// RecordReceived counts one packet forwarded from the peer to the tun
// device.
func (metrics *Metrics) RecordReceived(packetBytes int) {
	atomic.AddInt64(&metrics.packetsReceived, 1)
	atomic.AddInt64(&metrics.bytesReceived, int64(packetBytes))
}

// RecordDropped counts one discarded inbound or outbound packet.
func (metrics *Metrics) RecordDropped() {
	atomic.AddInt64(&metrics.droppedPackets, 1)
}

// RecordAuthFailure counts one failed handshake attempt.
func (metrics *Metrics) RecordAuthFailure() {
	atomic.AddInt64(&metrics.authFailures, 1)
}

// GetDroppedPackets returns the dropped packet count.
func (metrics *Metrics) GetDroppedPackets() int64 {
	return atomic.LoadInt64(&metrics.droppedPackets)
}

// GetAuthFailures returns the failed handshake count.
func (metrics *Metrics) GetAuthFailures() int64 {
	return atomic.LoadInt64(&metrics.authFailures)
}

// UpdateProgress implements common.ActivityUpdater, accumulating
// wire-level transport byte counts.
func (metrics *Metrics) UpdateProgress(bytesRead, bytesWritten int64) {
	atomic.AddInt64(&metrics.wireBytesDown, bytesRead)
	atomic.AddInt64(&metrics.wireBytesUp, bytesWritten)
}

// Reset zeros all counters.
func (metrics *Metrics) Reset() {
	atomic.StoreInt64(&metrics.packetsSent, 0)
	atomic.StoreInt64(&metrics.packetsReceived, 0)
	atomic.StoreInt64(&metrics.bytesSent, 0)
	atomic.StoreInt64(&metrics.bytesReceived, 0)
	atomic.StoreInt64(&metrics.wireBytesUp, 0)
	atomic.StoreInt64(&metrics.wireBytesDown, 0)
	atomic.StoreInt64(&metrics.droppedPackets, 0)
	atomic.StoreInt64(&metrics.authFailures, 0)
}

// GetFields returns a snapshot of all counters for logging.
func (metrics *Metrics) GetFields() common.LogFields {
	return common.LogFields{
		"packets_sent":     atomic.LoadInt64(&metrics.packetsSent),
		"packets_received": atomic.LoadInt64(&metrics.packetsReceived),
		"bytes_sent":       common.FormatByteCount(uint64(atomic.LoadInt64(&metrics.bytesSent))),
		"bytes_received":   common.FormatByteCount(uint64(atomic.LoadInt64(&metrics.bytesReceived))),
		"wire_bytes_up":    common.FormatByteCount(uint64(atomic.LoadInt64(&metrics.wireBytesUp))),
		"wire_bytes_down":  common.FormatByteCount(uint64(atomic.LoadInt64(&metrics.wireBytesDown))),
		"dropped_packets":  atomic.LoadInt64(&metrics.droppedPackets),
		"auth_failures":    atomic.LoadInt64(&metrics.authFailures),
	}
}
