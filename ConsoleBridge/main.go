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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Psiphon-Labs/pttun/pttun"
	"github.com/Psiphon-Labs/pttun/pttun/common/tun"
)

func main() {

	// Define command-line parameters

	var mode string
	flag.StringVar(&mode, "mode", "", "operating mode: client or server")

	var tunDeviceName string
	flag.StringVar(&tunDeviceName, "dev", "tun0", "tun device name")

	var port int
	flag.IntVar(&port, "port", pttun.DEFAULT_PORT, "TCP port")

	var remoteHost string
	flag.StringVar(&remoteHost, "remote-ip", "", "server address (client mode)")

	var localTunIP string
	flag.StringVar(&localTunIP, "local-tun-ip", "", "local tun interface address")

	var remoteTunIP string
	flag.StringVar(&remoteTunIP, "remote-tun-ip", "", "remote tun interface address")

	var tunMTU int
	flag.IntVar(&tunMTU, "mtu", tun.DEFAULT_MTU, "tun device MTU")

	var psk string
	flag.StringVar(&psk, "psk", "", "pre-shared key")

	var pskFilename string
	flag.StringVar(&pskFilename, "psk-file", "", "pre-shared key input file")

	var noEncryption bool
	flag.BoolVar(&noEncryption, "no-encryption", false, "disable encryption (debugging only)")

	var noKeepalive bool
	flag.BoolVar(&noKeepalive, "no-keepalive", false, "disable keepalive probes")

	var enableRoute bool
	flag.BoolVar(&enableRoute, "enable-route", false, "route destinations through the tun device")

	var routeDestinations string
	flag.StringVar(&routeDestinations, "routes", "", "comma-separated route destinations (with -enable-route)")

	var reconnectIntervalSeconds int
	flag.IntVar(&reconnectIntervalSeconds, "reconnect-interval", 5, "seconds between client reconnection attempts")

	var useSudo bool
	flag.BoolVar(&useSudo, "sudo", false, "use sudo for network configuration commands")

	var generatePSK bool
	flag.BoolVar(&generatePSK, "generate-psk", false, "emit a new pre-shared key and exit")

	var logLevel string
	flag.StringVar(&logLevel, "log-level", "info", "logging level: debug, info, warning, or error")

	flag.Parse()

	if generatePSK {
		newPSK, err := pttun.GeneratePSK()
		if err != nil {
			fmt.Fprintf(os.Stderr, "generate PSK failed: %s\n", err)
			os.Exit(1)
		}
		fmt.Println(newPSK)
		os.Exit(0)
	}

	err := pttun.InitLogging(logLevel, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logging failed: %s\n", err)
		os.Exit(1)
	}

	if psk != "" && pskFilename != "" {
		fmt.Fprintf(os.Stderr, "specify one of -psk and -psk-file\n")
		os.Exit(1)
	}

	pskBytes := []byte(psk)
	if pskFilename != "" {
		pskBytes, err = pttun.LoadPSKFile(pskFilename)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load PSK file failed: %s\n", err)
			os.Exit(1)
		}
	}

	var routes []string
	if routeDestinations != "" {
		for _, destination := range strings.Split(routeDestinations, ",") {
			routes = append(routes, strings.TrimSpace(destination))
		}
	}

	config := &pttun.Config{
		Mode:                      mode,
		RemoteHost:                remoteHost,
		Port:                      port,
		TunDeviceName:             tunDeviceName,
		LocalTunIP:                localTunIP,
		RemoteTunIP:               remoteTunIP,
		TunMTU:                    tunMTU,
		PSK:                       pskBytes,
		EnableEncryption:          !noEncryption,
		EnableKeepalive:           !noKeepalive,
		ReconnectInterval:         time.Duration(reconnectIntervalSeconds) * time.Second,
		EnableAutoRoute:           enableRoute,
		RouteDestinations:         routes,
		SudoNetworkConfigCommands: useSudo,
	}

	controller, err := pttun.NewController(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %s\n", err)
		os.Exit(1)
	}

	// An INT or TERM signal triggers the ordered shutdown: stop the
	// bridge, close the transport, close the tun device, restore routes.

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = controller.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run failed: %s\n", err)
		os.Exit(1)
	}
}
