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
	std_errors "errors"
	"io"
	"sync"
	"time"

	"github.com/Psiphon-Labs/pttun/pttun/common"
	"github.com/Psiphon-Labs/pttun/pttun/common/errors"
	"github.com/Psiphon-Labs/pttun/pttun/common/protocol"
	"github.com/Psiphon-Labs/pttun/pttun/common/securechannel"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	AUTH_ATTEMPT_INTERVAL = 5 * time.Second
	KEEPALIVE_INTERVAL    = 30 * time.Second
	LIVENESS_WINDOW       = 120 * time.Second
	STATISTICS_PERIOD     = 60 * time.Second

	OUTBOUND_QUEUE_SIZE = 64

	operateTickPeriod = 1 * time.Second
)

// PacketDevice is the write side of the virtual network interface the
// bridge injects received packets into. tun.Device implements
// PacketDevice.
type PacketDevice interface {
	WritePacket(packet []byte) error
}

// Bridge relays IP packets between a tun device and one established
// transport conn for the lifetime of a session: it orchestrates the
// handshake, forwards frames in both directions, emits keepalives, and
// maintains the session counters.
//
// Forwarding uses one goroutine per direction plus a single writer
// goroutine fed by a bounded frame queue, so per-direction packet ordering
// is preserved and frame writes never interleave; cross-direction ordering
// is unspecified.
type Bridge struct {
	config   *Config
	channel  *securechannel.Channel
	conn     *Conn
	device   PacketDevice
	upstream <-chan []byte
	metrics  *Metrics

	framer   *protocol.Framer
	outbound chan *protocol.Frame

	// authLimiter bounds the key derivation work an unauthenticated peer
	// can induce on the server.
	authLimiter *rate.Limiter

	stopMutex   sync.Mutex
	stopRunning context.CancelFunc

	authAttemptInterval time.Duration
	keepaliveInterval   time.Duration
	livenessWindow      time.Duration
	tickPeriod          time.Duration
}

// NewBridge creates a bridge for one session. The upstream channel
// delivers packets read from the tun device; received packets are written
// to the device.
func NewBridge(
	config *Config,
	channel *securechannel.Channel,
	conn *Conn,
	device PacketDevice,
	upstream <-chan []byte,
	metrics *Metrics) *Bridge {

	return &Bridge{
		config:              config,
		channel:             channel,
		conn:                conn,
		device:              device,
		upstream:            upstream,
		metrics:             metrics,
		framer:              protocol.NewFramer(conn),
		outbound:            make(chan *protocol.Frame, OUTBOUND_QUEUE_SIZE),
		authLimiter:         rate.NewLimiter(rate.Every(time.Second), 3),
		authAttemptInterval: AUTH_ATTEMPT_INTERVAL,
		keepaliveInterval:   KEEPALIVE_INTERVAL,
		livenessWindow:      LIVENESS_WINDOW,
		tickPeriod:          operateTickPeriod,
	}
}

// Run relays packets until Stop is called, the context is done, or the
// session ends with a transport fault. The return value is nil for a clean
// stop and the fault otherwise; in either case the session keys have been
// zeroized and the conn closed.
func (bridge *Bridge) Run(ctx context.Context) error {

	runCtx, stopRunning := context.WithCancel(ctx)
	defer stopRunning()

	bridge.stopMutex.Lock()
	bridge.stopRunning = stopRunning
	bridge.stopMutex.Unlock()

	group, groupCtx := errgroup.WithContext(runCtx)

	// Frame reads block in conn I/O; closing the conn when the session
	// ends unblocks them.
	group.Go(func() error {
		<-groupCtx.Done()
		bridge.conn.Close()
		return nil
	})

	group.Go(func() error {
		return bridge.relayUpstream(groupCtx)
	})
	group.Go(func() error {
		return bridge.relayDownstream(groupCtx)
	})
	group.Go(func() error {
		return bridge.writeOutbound(groupCtx)
	})
	group.Go(func() error {
		return bridge.operate(groupCtx)
	})

	err := group.Wait()

	bridge.channel.Reset()

	log.WithTraceFields(
		bridge.metrics.GetFields()).Info("session ended")

	return err
}

// Stop ends the session and causes Run to return. Stop is idempotent and
// safe to call from any goroutine, including before Run.
func (bridge *Bridge) Stop() {
	bridge.stopMutex.Lock()
	defer bridge.stopMutex.Unlock()
	if bridge.stopRunning != nil {
		bridge.stopRunning()
	}
}

// relayUpstream forwards packets read from the tun device to the peer,
// in read order.
func (bridge *Bridge) relayUpstream(ctx context.Context) error {

	for {
		select {
		case <-ctx.Done():
			return nil

		case packet := <-bridge.upstream:

			if !bridge.channel.IsAuthenticated() {
				bridge.metrics.RecordDropped()
				continue
			}

			frame, err := bridge.channel.Wrap(packet)
			if err != nil {
				// Includes the re-auth race: keys were reset after the
				// authenticated check.
				bridge.metrics.RecordDropped()
				log.WithTraceFields(
					common.LogFields{"error": err}).Debug("wrap failed")
				continue
			}

			if !bridge.enqueue(ctx, frame) {
				return nil
			}
			bridge.metrics.RecordSent(len(packet))
		}
	}
}

// relayDownstream reads frames from the peer and dispatches them, in read
// order. A transport fault ends the session; a malformed or unverifiable
// frame is absorbed and counted.
func (bridge *Bridge) relayDownstream(ctx context.Context) error {

	for {
		frame, err := bridge.framer.ReadFrame()
		if err != nil {

			if ctx.Err() != nil || bridge.conn.IsClosed() {
				return nil
			}

			if std_errors.Is(err, protocol.ErrOversizedFrame) {
				// The stream is no longer frame-aligned; drop the
				// connection before any length-proportional allocation.
				log.WithTraceFields(
					common.LogFields{"error": err}).Warning(
					"oversized frame, dropping connection")
				return errors.Trace(err)
			}

			if err == io.EOF {
				return errors.TraceNew("peer closed connection")
			}
			return errors.Trace(err)
		}

		bridge.dispatchFrame(ctx, frame)
	}
}

func (bridge *Bridge) dispatchFrame(
	ctx context.Context, frame *protocol.Frame) {

	switch frame.Type {

	case protocol.PacketTypeAuthRequest:
		bridge.handleAuthRequest(ctx, frame)

	case protocol.PacketTypeAuthSuccess, protocol.PacketTypeAuthResponse:
		bridge.handleAuthResponse(frame)

	case protocol.PacketTypeAuthFailed:
		bridge.metrics.RecordAuthFailure()
		log.WithTrace().Warning("authentication rejected by peer")

	case protocol.PacketTypeData:
		bridge.handleDataFrame(frame)

	case protocol.PacketTypeKeepalive:
		// Liveness was recorded by the conn read; no other action.
		log.WithTrace().Debug("keepalive received")

	default:
		bridge.metrics.RecordDropped()
		log.WithTraceFields(
			common.LogFields{
				"packet_type": frame.Type,
			}).Warning("unknown packet type")
	}
}

func (bridge *Bridge) handleAuthRequest(
	ctx context.Context, frame *protocol.Frame) {

	if bridge.config.Mode != MODE_SERVER || !bridge.config.EnableEncryption {
		log.WithTrace().Warning("unexpected authentication request")
		return
	}

	if !bridge.authLimiter.Allow() {
		// Drop before key derivation.
		log.WithTrace().Debug("authentication request throttled")
		return
	}

	response, err := bridge.channel.HandleAuthRequest(frame)
	if err != nil {
		// No response is sent on failure: fail silently to reduce the
		// authentication oracle.
		bridge.metrics.RecordAuthFailure()
		log.WithTraceFields(
			common.LogFields{"error": err}).Warning("authentication failed")
		return
	}

	if !bridge.enqueue(ctx, response) {
		return
	}
	log.WithTraceFields(
		common.LogFields{
			"peer": bridge.conn.RemoteAddr().String(),
		}).Info("peer authenticated")
}

func (bridge *Bridge) handleAuthResponse(frame *protocol.Frame) {

	if bridge.config.Mode != MODE_CLIENT || !bridge.config.EnableEncryption {
		log.WithTrace().Warning("unexpected authentication response")
		return
	}

	err := bridge.channel.HandleAuthResponse(frame)
	if err != nil {
		bridge.metrics.RecordAuthFailure()
		log.WithTraceFields(
			common.LogFields{"error": err}).Warning("authentication failed")
		return
	}

	log.WithTrace().Info("authenticated")
}

func (bridge *Bridge) handleDataFrame(frame *protocol.Frame) {

	if !bridge.channel.IsAuthenticated() {
		bridge.metrics.RecordDropped()
		log.WithTrace().Warning("data packet before authentication")
		return
	}

	data, err := bridge.channel.Unwrap(frame)
	if err != nil {
		// Tampered or replayed frames are absorbed here; an attacker who
		// injects packets can cost no more than the digest verification.
		bridge.metrics.RecordDropped()
		log.WithTraceFields(
			common.LogFields{"error": err}).Warning("unwrap failed")
		return
	}

	if bytes.Equal(data, securechannel.KeepaliveMagic) {
		log.WithTrace().Debug("keepalive received")
		return
	}

	err = bridge.device.WritePacket(data)
	if err != nil {
		bridge.metrics.RecordDropped()
		log.WithTraceFields(
			common.LogFields{"error": err}).Warning("tun write failed")
		return
	}

	bridge.metrics.RecordReceived(len(data))
}

// writeOutbound is the single writer: every outbound frame, data and
// control, funnels through here, preserving frame integrity on the wire.
func (bridge *Bridge) writeOutbound(ctx context.Context) error {

	for {
		select {
		case <-ctx.Done():
			return nil

		case frame := <-bridge.outbound:
			err := bridge.framer.WriteFrame(frame)
			if err != nil {
				if ctx.Err() != nil || bridge.conn.IsClosed() {
					return nil
				}
				return errors.Trace(err)
			}
		}
	}
}

// operate runs the session timers: client handshake initiation and retry,
// periodic re-authentication, keepalive probes, and the statistics notice.
func (bridge *Bridge) operate(ctx context.Context) error {

	ticker := time.NewTicker(bridge.tickPeriod)
	defer ticker.Stop()

	statisticsTicker := time.NewTicker(STATISTICS_PERIOD)
	defer statisticsTicker.Stop()

	var lastAuthAttempt time.Time
	lastKeepalive := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-statisticsTicker.C:
			log.WithTraceFields(
				bridge.metrics.GetFields()).Info("session statistics")

		case <-ticker.C:

			if bridge.channel.NeedsReauth() {
				// Expire the session keys. The client initiates the fresh
				// handshake below; the server waits for it. In-flight data
				// packets during re-auth may be dropped.
				log.WithTrace().Info("session aged, re-authenticating")
				bridge.channel.Reset()
			}

			if bridge.config.Mode == MODE_CLIENT &&
				bridge.config.EnableEncryption &&
				!bridge.channel.IsAuthenticated() &&
				time.Since(lastAuthAttempt) >= bridge.authAttemptInterval {

				frame, err := bridge.channel.CreateAuthRequest()
				if err != nil {
					return errors.Trace(err)
				}
				lastAuthAttempt = time.Now()
				if !bridge.enqueue(ctx, frame) {
					return nil
				}
				log.WithTrace().Debug("authentication requested")
			}

			if bridge.config.EnableKeepalive &&
				bridge.channel.IsAuthenticated() &&
				time.Since(lastKeepalive) >= bridge.keepaliveInterval &&
				!bridge.isConnectionHealthy() {

				frame, err := bridge.channel.Wrap(securechannel.KeepaliveMagic)
				if err == nil {
					select {
					case bridge.outbound <- frame:
						lastKeepalive = time.Now()
						log.WithTrace().Debug("keepalive sent")
					default:
						// A full queue implies link activity; no probe
						// needed.
					}
				}
			}
		}
	}
}

// isConnectionHealthy indicates whether any I/O activity occurred within
// the liveness window.
func (bridge *Bridge) isConnectionHealthy() bool {
	return bridge.conn.GetIdleDuration() < bridge.livenessWindow
}

func (bridge *Bridge) enqueue(
	ctx context.Context, frame *protocol.Frame) bool {

	select {
	case bridge.outbound <- frame:
		return true
	case <-ctx.Done():
		return false
	}
}
