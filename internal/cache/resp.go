package cache

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// ServerError is an error reply sent by the server.
type ServerError string

func (e ServerError) Error() string { return "valkey: " + string(e) }

var errProtocol = errors.New("valkey: protocol error")

// reply holds the subset of RESP values the provider consumes.
type reply struct {
	kind byte
	data []byte
	null bool
}

func (r reply) is(kind byte, text string) bool {
	return r.kind == kind && string(r.data) == text
}

func writeCommand(w *bufio.Writer, args ...[]byte) error {
	buf := make([]byte, 0, 64)
	buf = append(buf, '*')
	buf = strconv.AppendInt(buf, int64(len(args)), 10)
	buf = append(buf, '\r', '\n')
	for _, arg := range args {
		buf = append(buf, '$')
		buf = strconv.AppendInt(buf, int64(len(arg)), 10)
		buf = append(buf, '\r', '\n')
		buf = append(buf, arg...)
		buf = append(buf, '\r', '\n')
	}
	if _, err := w.Write(buf); err != nil {
		return err
	}
	return w.Flush()
}

func readReply(r *bufio.Reader) (reply, error) {
	kind, err := r.ReadByte()
	if err != nil {
		return reply{}, err
	}
	line, err := readLine(r)
	if err != nil {
		return reply{}, err
	}
	switch kind {
	case '+', ':':
		return reply{kind: kind, data: line}, nil
	case '-':
		return reply{}, ServerError(line)
	case '_':
		return reply{kind: kind, null: true}, nil
	case '$':
		size, err := strconv.Atoi(string(line))
		if err != nil {
			return reply{}, fmt.Errorf("%w: bulk length %q", errProtocol, line)
		}
		if size < 0 {
			return reply{kind: kind, null: true}, nil
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return reply{}, err
		}
		if buf[size] != '\r' || buf[size+1] != '\n' {
			return reply{}, fmt.Errorf("%w: bulk terminator", errProtocol)
		}
		return reply{kind: kind, data: buf[:size]}, nil
	default:
		return reply{}, fmt.Errorf("%w: prefix %q", errProtocol, kind)
	}
}

func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadSlice('\n')
	if err != nil {
		return nil, err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, fmt.Errorf("%w: line terminator", errProtocol)
	}
	return append([]byte(nil), line[:len(line)-2]...), nil
}
