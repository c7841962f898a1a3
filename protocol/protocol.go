// Package protocol implements the binary wire format between keytrack clients
// and the server.
//
// Every message is a frame: a 4-byte big-endian length followed by the
// payload. The first payload byte is the frame kind. Clients send command
// frames; the server replies with response frames and may interleave push
// frames carrying invalidations at any point. Both directions ride the same
// ordered connection, which is what makes the single-connection model
// race-free: an invalidation for a write is never observed after a response
// that already reflects that write.
//
// Strings and byte blobs are length-prefixed with unsigned varints.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/keytrack/keytrack/types"
)

const (
	headerSize   = 4
	maxFrameSize = 1 << 20 // 1MB; nothing in this protocol legitimately gets close
)

// FrameKind is the first byte of every frame payload.
type FrameKind uint8

const (
	FrameCommand  FrameKind = iota // client -> server
	FrameResponse                  // server -> client, reply to a command
	FramePush                      // server -> client, unsolicited invalidation
)

// CommandType identifies the operation a command frame requests.
type CommandType uint8

const (
	CmdGet         CommandType = iota // GET key - read a value, recording interest per session options
	CmdSet                           // SET key value - write a value
	CmdDel                           // DEL key - delete a key
	CmdFlushAll                      // FLUSHALL - clear the keyspace
	CmdPing                          // PING - liveness check
	CmdHello                         // HELLO - returns the server-assigned session id
	CmdTrack                         // TRACK [BCAST|OPTIN|OPTOUT|NOLOOP|REDIRECT id|PREFIX p]... - enable tracking
	CmdUntrack                       // UNTRACK - disable tracking
	CmdSubscribe                     // SUBSCRIBE prefix - add a broadcast prefix
	CmdUnsubscribe                   // UNSUBSCRIBE prefix - drop a broadcast prefix
	CmdCaching                       // CACHING yes|no - per-command tracking override for the next read
)

// ResponseType identifies the payload of a response frame.
type ResponseType uint8

const (
	RespOK    ResponseType = iota // operation succeeded, no payload
	RespErr                       // operation rejected, Err carries the message
	RespValue                     // Value carries the bytes, N the version
	RespNil                       // key not found
	RespInt                       // N carries an integer (session id, version)
)

// Command is a client request.
type Command struct {
	Type  CommandType
	Key   string   // key, or prefix for SUBSCRIBE/UNSUBSCRIBE
	Value []byte   // value for SET
	Args  []string // option tokens for TRACK and CACHING
}

// Response is the server's reply to one command.
type Response struct {
	Type  ResponseType
	Err   string
	Value []byte
	N     uint64
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

func readString(data []byte, offset int, field string) (string, int, error) {
	b, offset, err := readBytes(data, offset, field)
	return string(b), offset, err
}

func readBytes(data []byte, offset int, field string) ([]byte, int, error) {
	n, read := binary.Uvarint(data[offset:])
	if read <= 0 {
		return nil, 0, fmt.Errorf("invalid %s length", field)
	}
	offset += read
	if n > uint64(len(data)-offset) {
		return nil, 0, fmt.Errorf("%s truncated", field)
	}
	end := offset + int(n)
	return data[offset:end], end, nil
}

// encode serializes the command payload, frame kind included.
func (c *Command) encode() []byte {
	buf := []byte{byte(FrameCommand), byte(c.Type)}
	buf = appendString(buf, c.Key)
	buf = appendBytes(buf, c.Value)
	buf = binary.AppendUvarint(buf, uint64(len(c.Args)))
	for _, arg := range c.Args {
		buf = appendString(buf, arg)
	}
	return buf
}

func decodeCommand(data []byte) (*Command, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	cmd := &Command{Type: CommandType(data[0])}
	offset := 1

	var err error
	cmd.Key, offset, err = readString(data, offset, "key")
	if err != nil {
		return nil, err
	}
	value, offset, err := readBytes(data, offset, "value")
	if err != nil {
		return nil, err
	}
	if len(value) > 0 {
		cmd.Value = append([]byte(nil), value...)
	}

	count, read := binary.Uvarint(data[offset:])
	if read <= 0 {
		return nil, fmt.Errorf("invalid arg count")
	}
	offset += read
	if count > uint64(len(data)) {
		return nil, fmt.Errorf("arg count too large")
	}
	if count > 0 {
		cmd.Args = make([]string, count)
		for i := range cmd.Args {
			cmd.Args[i], offset, err = readString(data, offset, "arg")
			if err != nil {
				return nil, err
			}
		}
	}
	return cmd, nil
}

// encode serializes the response payload, frame kind included.
func (r *Response) encode() []byte {
	buf := []byte{byte(FrameResponse), byte(r.Type)}
	switch r.Type {
	case RespErr:
		buf = appendString(buf, r.Err)
	case RespValue:
		buf = appendBytes(buf, r.Value)
		buf = binary.AppendUvarint(buf, r.N)
	case RespInt:
		buf = binary.AppendUvarint(buf, r.N)
	}
	return buf
}

func decodeResponse(data []byte) (*Response, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty response")
	}
	resp := &Response{Type: ResponseType(data[0])}
	offset := 1

	var err error
	switch resp.Type {
	case RespOK, RespNil:
		return resp, nil
	case RespErr:
		resp.Err, _, err = readString(data, offset, "error")
		return resp, err
	case RespValue:
		var value []byte
		value, offset, err = readBytes(data, offset, "value")
		if err != nil {
			return nil, err
		}
		resp.Value = append([]byte(nil), value...)
		n, read := binary.Uvarint(data[offset:])
		if read <= 0 {
			return nil, fmt.Errorf("invalid version")
		}
		resp.N = n
		return resp, nil
	case RespInt:
		n, read := binary.Uvarint(data[offset:])
		if read <= 0 {
			return nil, fmt.Errorf("invalid integer")
		}
		resp.N = n
		return resp, nil
	default:
		return nil, fmt.Errorf("unknown response type %d", resp.Type)
	}
}

func encodePush(inv types.Invalidation) []byte {
	buf := []byte{byte(FramePush), byte(inv.Kind)}
	buf = binary.AppendUvarint(buf, uint64(len(inv.Keys)))
	for _, key := range inv.Keys {
		buf = appendString(buf, key)
	}
	return buf
}

func decodePush(data []byte) (types.Invalidation, error) {
	if len(data) == 0 {
		return types.Invalidation{}, fmt.Errorf("empty push")
	}
	inv := types.Invalidation{Kind: types.Kind(data[0])}
	offset := 1

	count, read := binary.Uvarint(data[offset:])
	if read <= 0 {
		return types.Invalidation{}, fmt.Errorf("invalid key count")
	}
	offset += read
	if count > uint64(len(data)) {
		return types.Invalidation{}, fmt.Errorf("key count too large")
	}
	if count > 0 {
		inv.Keys = make([]string, count)
		var err error
		for i := range inv.Keys {
			inv.Keys[i], offset, err = readString(data, offset, "key")
			if err != nil {
				return types.Invalidation{}, err
			}
		}
	}
	return inv, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
	}
	header := make([]byte, headerSize)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header)
	if length == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteCommand frames and writes a command.
func WriteCommand(w io.Writer, cmd *Command) error {
	return writeFrame(w, cmd.encode())
}

// WriteResponse frames and writes a response.
func WriteResponse(w io.Writer, resp *Response) error {
	return writeFrame(w, resp.encode())
}

// WritePush frames and writes an invalidation push.
func WritePush(w io.Writer, inv types.Invalidation) error {
	return writeFrame(w, encodePush(inv))
}

// ReadCommand reads one command frame. The server's read loop rejects any
// other frame kind: clients never push.
func ReadCommand(r io.Reader) (*Command, error) {
	payload, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	if FrameKind(payload[0]) != FrameCommand {
		return nil, fmt.Errorf("expected command frame, got kind %d", payload[0])
	}
	return decodeCommand(payload[1:])
}

// ServerFrame is one message read from the server: either a response or a
// push, never both.
type ServerFrame struct {
	Response *Response
	Push     *types.Invalidation
}

// ReadServerFrame reads one frame from the server and decodes it as a
// response or a push depending on its kind.
func ReadServerFrame(r io.Reader) (ServerFrame, error) {
	payload, err := readFrame(r)
	if err != nil {
		return ServerFrame{}, err
	}
	switch FrameKind(payload[0]) {
	case FrameResponse:
		resp, err := decodeResponse(payload[1:])
		if err != nil {
			return ServerFrame{}, err
		}
		return ServerFrame{Response: resp}, nil
	case FramePush:
		inv, err := decodePush(payload[1:])
		if err != nil {
			return ServerFrame{}, err
		}
		return ServerFrame{Push: &inv}, nil
	default:
		return ServerFrame{}, fmt.Errorf("unexpected frame kind %d from server", payload[0])
	}
}
