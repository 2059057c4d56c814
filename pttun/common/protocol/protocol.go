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

/*

Package protocol implements the pttun wire format: fixed 56-byte frame
headers followed by a variable-length payload, transported over any reliable
byte stream.

The header layout is:

	offset 0     packet type
	offset 1-3   reserved, zero
	offset 4-7   payload length, big-endian uint32
	offset 8-23  IV
	offset 24-55 HMAC-SHA-256 digest

The HMAC digest authenticates the payload only; see the securechannel
package for digest computation and verification.

*/
package protocol

import (
	"encoding/binary"
	std_errors "errors"
	"io"

	"github.com/Psiphon-Labs/pttun/pttun/common/errors"
)

const (
	// HeaderSize is the fixed size of the frame header on the wire.
	HeaderSize = 56

	// MaxFramePayload is the largest payload length accepted by a frame
	// reader. A frame announcing a larger payload is a protocol violation
	// and fatal to the connection; enforcing the limit before allocation
	// bounds the memory cost of malicious length values.
	MaxFramePayload = 65536

	// IVSize is the size of the per-frame header IV field.
	IVSize = 16

	// HMACSize is the size of the header digest field.
	HMACSize = 32

	lengthOffset = 4
	ivOffset     = 8
	hmacOffset   = 24
)

// Frame types.
const (
	PacketTypeAuthRequest  = 0x01
	PacketTypeAuthResponse = 0x02
	PacketTypeAuthSuccess  = 0x03
	PacketTypeAuthFailed   = 0x04
	PacketTypeData         = 0x10
	PacketTypeKeepalive    = 0x20
)

// ErrOversizedFrame is returned by Framer.ReadFrame when an inbound header
// announces a payload larger than MaxFramePayload. The connection is no
// longer frame-aligned and must be closed.
var ErrOversizedFrame = std_errors.New("frame payload length exceeds limit")

// PacketTypeName returns a descriptive label for logging.
func PacketTypeName(packetType byte) string {
	switch packetType {
	case PacketTypeAuthRequest:
		return "AUTH_REQUEST"
	case PacketTypeAuthResponse:
		return "AUTH_RESPONSE"
	case PacketTypeAuthSuccess:
		return "AUTH_SUCCESS"
	case PacketTypeAuthFailed:
		return "AUTH_FAILED"
	case PacketTypeData:
		return "DATA"
	case PacketTypeKeepalive:
		return "KEEPALIVE"
	}
	return "UNKNOWN"
}

// Frame is one unit on the wire. The wire parser constructs Frames and the
// bridge dispatches on Type; Payload interpretation is type-specific.
type Frame struct {
	Type    byte
	IV      [IVSize]byte
	HMAC    [HMACSize]byte
	Payload []byte
}

// Marshal serializes the frame into wire format, a 56-byte header followed
// by the payload.
func (frame *Frame) Marshal() ([]byte, error) {

	if len(frame.Payload) > MaxFramePayload {
		return nil, errors.Trace(ErrOversizedFrame)
	}

	wireFrame := make([]byte, HeaderSize+len(frame.Payload))
	wireFrame[0] = frame.Type
	binary.BigEndian.PutUint32(wireFrame[lengthOffset:], uint32(len(frame.Payload)))
	copy(wireFrame[ivOffset:], frame.IV[:])
	copy(wireFrame[hmacOffset:], frame.HMAC[:])
	copy(wireFrame[HeaderSize:], frame.Payload)

	return wireFrame, nil
}

// Framer translates a reliable byte stream into discrete, fully formed
// frames and the reverse. Frame I/O uses a static, preallocated inbound
// buffer to avoid GC churn.
type Framer struct {
	transport     io.ReadWriter
	inboundBuffer []byte
}

// NewFramer initializes a new Framer.
func NewFramer(transport io.ReadWriter) *Framer {
	return &Framer{
		transport:     transport,
		inboundBuffer: make([]byte, HeaderSize+MaxFramePayload),
	}
}

// ReadFrame reads one full frame from the transport, blocking until the
// header and the complete announced payload have arrived. The returned
// frame's Payload is a slice of a static, reused buffer, so the value is
// only valid until the next ReadFrame call. Concurrent calls to ReadFrame
// are not supported.
//
// An ErrOversizedFrame return is fatal: no payload bytes have been consumed
// and the stream cannot be re-aligned.
func (framer *Framer) ReadFrame() (*Frame, error) {

	header := framer.inboundBuffer[0:HeaderSize]
	_, err := io.ReadFull(framer.transport, header)
	if err != nil {
		// Note: no trace error to preserve error type
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[lengthOffset:])
	if length > MaxFramePayload {
		return nil, errors.Tracef(
			"%w: %d", ErrOversizedFrame, length)
	}

	payload := framer.inboundBuffer[HeaderSize : HeaderSize+int(length)]
	_, err = io.ReadFull(framer.transport, payload)
	if err != nil {
		if err == io.EOF {
			// An EOF mid-frame is an unexpected truncation, unlike an EOF
			// at a frame boundary.
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	frame := &Frame{
		Type:    header[0],
		Payload: payload,
	}
	copy(frame.IV[:], header[ivOffset:ivOffset+IVSize])
	copy(frame.HMAC[:], header[hmacOffset:hmacOffset+HMACSize])

	return frame, nil
}

// WriteFrame writes one full frame to the transport in a single logical
// write, so the byte stream never interleaves frames. Concurrent calls to
// WriteFrame are not supported; the caller serializes writers.
func (framer *Framer) WriteFrame(frame *Frame) error {

	wireFrame, err := frame.Marshal()
	if err != nil {
		return errors.Trace(err)
	}

	_, err = framer.transport.Write(wireFrame)
	if err != nil {
		// Note: no trace error to preserve error type
		return err
	}

	return nil
}
