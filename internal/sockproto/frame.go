// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package sockproto

import (
	"encoding/binary"
	"io"

	"github.com/juju/errors"
)

const (
	// MaxMessageSize caps inbound socket messages at 1 MiB.
	MaxMessageSize = 1 * 1024 * 1024

	// headerSize is the framed-message header length: a 4-byte big-endian
	// message length followed by 4 reserved bytes. The reserved bytes are
	// zero on send and ignored on receive.
	headerSize = 8
)

// WriteFrame writes the 8-byte header followed by the message body.
func WriteFrame(w io.Writer, body []byte) error {
	var header [headerSize]byte
	binary.BigEndian.PutUint32(header[:4], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return errors.Annotate(err, "writing frame header")
	}
	if _, err := w.Write(body); err != nil {
		return errors.Annotate(err, "writing frame body")
	}
	return nil
}

// ReadFrame reads one framed message: the 8-byte header, then exactly the
// announced number of body bytes.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, errors.Annotate(err, "reading frame header")
	}
	length := binary.BigEndian.Uint32(header[:4])
	if length > MaxMessageSize {
		return nil, errors.Errorf("frame length %d exceeds %d byte limit", length, MaxMessageSize)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errors.Annotate(err, "reading frame body")
	}
	return body, nil
}
