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

package tun

import (
	"fmt"
	"os/exec"

	"github.com/Psiphon-Labs/pttun/pttun/common"
	"github.com/Psiphon-Labs/pttun/pttun/common/errors"
)

func runNetworkConfigCommand(
	logger common.Logger,
	useSudo bool,
	name string,
	args ...string) error {

	// TODO: use CommandContext to interrupt on shutdown?
	// (the commands currently being issued shouldn't block)

	if useSudo {
		args = append([]string{name}, args...)
		name = "sudo"
	}

	cmd := exec.Command(name, args...)
	output, err := cmd.CombinedOutput()

	logger.WithTraceFields(common.LogFields{
		"command": name,
		"args":    args,
		"output":  string(output),
		"error":   err,
	}).Debug("exec")

	if err != nil {
		err := fmt.Errorf(
			"command %s %+v failed with %s", name, args, string(output))
		return errors.Trace(err)
	}
	return nil
}
