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
	"time"

	"github.com/Psiphon-Labs/pttun/pttun/common"
	"github.com/Psiphon-Labs/pttun/pttun/common/errors"
	"github.com/Psiphon-Labs/pttun/pttun/common/securechannel"
	"github.com/Psiphon-Labs/pttun/pttun/common/tun"
)

const UPSTREAM_QUEUE_SIZE = 64

// Controller wires the tun device, transport, and bridge together for the
// process lifetime and drives the session cycle: a server accepts one
// client at a time, ending the current session on a transport fault and
// waiting for a new connection; a client redials on a schedule.
type Controller struct {
	config  *Config
	metrics *Metrics
}

// NewController creates a Controller. The config is validated here; a
// validation failure is a configuration error and fatal to the process.
func NewController(config *Config) (*Controller, error) {

	err := config.Validate()
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &Controller{
		config:  config,
		metrics: &Metrics{},
	}, nil
}

// Metrics returns the process-lifetime forwarding counters.
func (controller *Controller) Metrics() *Metrics {
	return controller.metrics
}

// Run acquires the tun device and transport, then runs sessions until the
// context is done. Resources are released in this order on exit: bridge,
// transport, tun device, routes.
func (controller *Controller) Run(ctx context.Context) error {

	tunConfig := &tun.Config{
		Logger:                    log,
		DeviceName:                controller.config.TunDeviceName,
		LocalIPAddress:            controller.config.LocalTunIP,
		RemoteIPAddress:           controller.config.RemoteTunIP,
		MTU:                       controller.config.TunMTU,
		RouteDestinations:         controller.config.RouteDestinations,
		SudoNetworkConfigCommands: controller.config.SudoNetworkConfigCommands,
	}

	device, err := tun.NewDevice(tunConfig)
	if err != nil {
		return errors.Trace(err)
	}

	routesAdded := false
	if controller.config.EnableAutoRoute {
		err = tun.AddRoutes(tunConfig, device.Name())
		if err != nil {
			device.Close()
			return errors.Trace(err)
		}
		routesAdded = true
	}

	log.WithTraceFields(
		common.LogFields{
			"device": device.Name(),
			"mtu":    device.MTU(),
			"mode":   controller.config.Mode,
		}).Info("tun device up")

	transport := NewTransport(controller.config, controller.metrics)

	err = nil
	if controller.config.Mode == MODE_SERVER {
		err = transport.Listen()
	}
	if err == nil {
		upstream := make(chan []byte, UPSTREAM_QUEUE_SIZE)
		go controller.relayDevice(ctx, device, upstream)

		controller.runSessions(ctx, transport, device, upstream)
	}

	// Ordered teardown: sessions have ended; close the transport, then
	// the tun device, then restore routes.
	transport.CloseListener()
	device.Close()
	if routesAdded {
		tun.RemoveRoutes(tunConfig, device.Name())
	}

	log.WithTraceFields(
		controller.metrics.GetFields()).Info("final statistics")

	return errors.Trace(err)
}

// runSessions establishes connections and runs one bridge per session
// until the context is done.
func (controller *Controller) runSessions(
	ctx context.Context,
	transport *Transport,
	device *tun.Device,
	upstream <-chan []byte) {

	for ctx.Err() == nil {

		conn, err := controller.connect(ctx, transport)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithTraceFields(
				common.LogFields{"error": err}).Warning("connect failed")
			controller.waitForReconnect(ctx)
			continue
		}

		channel, err := controller.makeChannel()
		if err != nil {
			conn.Close()
			log.WithTraceFields(
				common.LogFields{"error": err}).Error("channel setup failed")
			return
		}

		log.WithTraceFields(
			common.LogFields{
				"peer": conn.RemoteAddr().String(),
			}).Info("session established")

		bridge := NewBridge(
			controller.config, channel, conn, device, upstream,
			controller.metrics)

		err = bridge.Run(ctx)

		channel.Close()
		conn.Close()

		if err != nil {
			log.WithTraceFields(
				common.LogFields{"error": err}).Warning("session failed")
		}

		if controller.config.Mode == MODE_CLIENT && ctx.Err() == nil {
			controller.waitForReconnect(ctx)
		}
	}
}

func (controller *Controller) connect(
	ctx context.Context, transport *Transport) (*Conn, error) {

	if controller.config.Mode == MODE_SERVER {
		conn, err := transport.AcceptOne(ctx)
		return conn, errors.Trace(err)
	}
	conn, err := transport.Dial(ctx)
	return conn, errors.Trace(err)
}

func (controller *Controller) makeChannel() (*securechannel.Channel, error) {

	if !controller.config.EnableEncryption {
		log.WithTrace().Warning(
			"encryption disabled, traffic is in plaintext")
		return securechannel.NewPlaintextChannel(), nil
	}
	channel, err := securechannel.NewChannel(controller.config.PSK)
	return channel, errors.Trace(err)
}

func (controller *Controller) waitForReconnect(ctx context.Context) {
	timer := time.NewTimer(controller.config.ReconnectInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// relayDevice reads packets from the tun device into the bounded upstream
// queue consumed by the current session's bridge. The queue preserves read
// order; packets that find the queue full, because no session is draining
// it or the session can't keep up, are dropped here.
func (controller *Controller) relayDevice(
	ctx context.Context, device *tun.Device, upstream chan<- []byte) {

	for {
		packet, err := device.ReadPacket()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithTraceFields(
				common.LogFields{"error": err}).Error("tun read failed")
			return
		}

		// The device read buffer is reused; queued packets need their own
		// copy.
		buffer := append([]byte(nil), packet...)

		select {
		case upstream <- buffer:
		default:
			controller.metrics.RecordDropped()
		}
	}
}
