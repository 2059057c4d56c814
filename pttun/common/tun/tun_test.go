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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetMTU(t *testing.T) {
	require.Equal(t, DEFAULT_MTU, getMTU(0))
	require.Equal(t, DEFAULT_MTU, getMTU(-1))
	require.Equal(t, MIN_MTU, getMTU(100))
	require.Equal(t, MIN_MTU, getMTU(MIN_MTU))
	require.Equal(t, 1000, getMTU(1000))
	require.Equal(t, MAX_MTU, getMTU(MAX_MTU))
	require.Equal(t, MAX_MTU, getMTU(9000))
}
