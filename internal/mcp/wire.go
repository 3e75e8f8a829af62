package mcp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"
)

type wireMode int

const (
	wireModeFramed wireMode = iota
	wireModeJSONLine
)

func (m wireMode) String() string {
	if m == wireModeJSONLine {
		return "json-line"
	}
	return "framed"
}

const contentLengthPrefix = "content-length:"

// codec reads JSON-RPC payloads in either LSP-style Content-Length framing or
// newline-delimited JSON, and answers in the mode of the last message read.
type codec struct {
	r    *bufio.Reader
	w    *bufio.Writer
	mode wireMode
}

func newCodec(in io.Reader, out io.Writer) *codec {
	return &codec{r: bufio.NewReader(in), w: bufio.NewWriter(out)}
}

func (c *codec) read() ([]byte, error) {
	mode, err := c.detect()
	if err != nil {
		return nil, err
	}
	c.mode = mode
	if mode == wireModeJSONLine {
		return c.readLine()
	}
	return c.readFramed()
}

func (c *codec) write(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if c.mode == wireModeJSONLine {
		payload = append(payload, '\n')
	} else if _, err := fmt.Fprintf(c.w, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
		return err
	}
	if _, err := c.w.Write(payload); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *codec) detect() (wireMode, error) {
	for {
		b, err := c.r.Peek(1)
		if err != nil {
			return wireModeFramed, err
		}
		if b[0] != ' ' && b[0] != '\t' && b[0] != '\r' && b[0] != '\n' {
			break
		}
		_, _ = c.r.ReadByte()
	}
	head, err := c.r.Peek(len(contentLengthPrefix))
	if err != nil && !errors.Is(err, io.EOF) {
		return wireModeFramed, err
	}
	if strings.EqualFold(string(head), contentLengthPrefix) {
		return wireModeFramed, nil
	}
	return wireModeJSONLine, nil
}

func (c *codec) readLine() ([]byte, error) {
	for {
		line, err := c.r.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (c *codec) readFramed() ([]byte, error) {
	hdr, err := textproto.NewReader(c.r).ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(hdr.Get("Content-Length")))
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("invalid Content-Length %q", hdr.Get("Content-Length"))
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
