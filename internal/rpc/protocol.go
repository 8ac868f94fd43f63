// Package rpc implements the broker's line-delimited JSON-RPC 2.0 layer:
// one JSON object per input line, one response object per output line.
//
// The caller (an MCP client) drives initialize / initialized / tools/list /
// tools/call. Protocol errors are always answered with structured error
// responses; only a closed input stream ends the serve loop.
package rpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// maxLineSize is the maximum accepted input line length.
const maxLineSize = 1024 * 1024 // 1MB

// protocol owns the framed reader and writer. Writes are serialized so
// concurrently finishing tool calls never interleave bytes.
type protocol struct {
	log     *slog.Logger
	scanner *bufio.Scanner

	writeMu sync.Mutex
	out     io.Writer
}

func newProtocol(log *slog.Logger, in io.Reader, out io.Writer) *protocol {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	return &protocol{
		log:     log,
		scanner: scanner,
		out:     out,
	}
}

// readLine returns the next non-empty input line, or io.EOF when the
// stream closes.
func (p *protocol) readLine() ([]byte, error) {
	for p.scanner.Scan() {
		line := p.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		// Copy: the scanner reuses its buffer on the next Scan.
		out := make([]byte, len(line))
		copy(out, line)

		return out, nil
	}

	if err := p.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read line: %w", err)
	}

	return nil, io.EOF
}

// writeResponse marshals one response followed by a newline.
func (p *protocol) writeResponse(resp *Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if _, err := p.out.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write response: %w", err)
	}

	return nil
}

// writeError sends a structured error response.
func (p *protocol) writeError(id json.RawMessage, code int, message string, data any) {
	resp := &Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &ErrorObject{Code: code, Message: message, Data: data},
	}

	if err := p.writeResponse(resp); err != nil {
		p.log.Error("Failed to write error response", "error", err)
	}
}

// recoverID pulls a usable id out of a line that failed to parse as a
// request. Returns nil when no id is recoverable.
func recoverID(line []byte) json.RawMessage {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}

	if err := json.Unmarshal(line, &probe); err != nil {
		return nil
	}

	if len(probe.ID) == 0 || string(probe.ID) == "null" {
		return nil
	}

	return probe.ID
}
