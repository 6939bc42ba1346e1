package adstest

import (
	"encoding/binary"
	"errors"
	"io"

	"adslink/ads"
)

// ServeTCP answers AMS/TCP requests on ch until it is closed. Responses are
// written in request order.
func ServeTCP(ch io.ReadWriteCloser, respond RespondFunc) error {
	header := make([]byte, 6)
	for {
		if _, err := io.ReadFull(ch, header); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
		frame := make([]byte, binary.LittleEndian.Uint32(header[2:6]))
		if _, err := io.ReadFull(ch, frame); err != nil {
			return err
		}

		req, err := ads.DecodeFrame(frame)
		if err != nil {
			return err
		}
		resp := respond(req)
		if resp == nil {
			continue
		}
		body := ads.EncodeFrame(resp)
		out := make([]byte, 6+len(body))
		binary.LittleEndian.PutUint32(out[2:6], uint32(len(body)))
		copy(out[6:], body)
		if _, err := ch.Write(out); err != nil {
			return err
		}
	}
}
