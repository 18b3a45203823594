// Package output encodes export results for clients.
package output

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/basekick-labs/pvexport/internal/export"
)

// Format is an output encoding.
type Format string

const (
	FormatJSON    Format = "json"
	FormatMsgpack Format = "msgpack"
	FormatArrow   Format = "arrow"
)

// ParseFormat accepts a format name, case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatMsgpack, FormatArrow:
		return f, nil
	case "":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unknown output format %q (want json, msgpack or arrow)", s)
}

// FromAccept picks a format from an HTTP Accept header. JSON is the default.
func FromAccept(accept string) Format {
	switch {
	case strings.Contains(accept, "application/vnd.apache.arrow.stream"):
		return FormatArrow
	case strings.Contains(accept, "application/msgpack"), strings.Contains(accept, "application/x-msgpack"):
		return FormatMsgpack
	}
	return FormatJSON
}

// ContentType returns the MIME type of f.
func (f Format) ContentType() string {
	switch f {
	case FormatMsgpack:
		return "application/msgpack"
	case FormatArrow:
		return "application/vnd.apache.arrow.stream"
	}
	return "application/json"
}

// WriteResult encodes res to w.
func WriteResult(w io.Writer, f Format, res *export.Result) error {
	switch f {
	case FormatMsgpack:
		return WriteMsgpack(w, res)
	case FormatArrow:
		return WriteArrow(w, res)
	}
	return WriteJSON(w, res)
}

// WriteJSON writes res as one JSON object keyed by channel, followed by a newline.
func WriteJSON(w io.Writer, res *export.Result) error {
	b, err := res.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	bw := bufio.NewWriter(w)
	bw.Write(b)
	bw.WriteByte('\n')
	return bw.Flush()
}

// WriteNames writes a channel list. JSON and msgpack get an array; the plain
// "text" form (and arrow, which has no list encoding here) gets one name per
// line.
func WriteNames(w io.Writer, f Format, names []string) error {
	switch f {
	case FormatJSON:
		return json.NewEncoder(w).Encode(names)
	case FormatMsgpack:
		return writeMsgpackNames(w, names)
	}
	bw := bufio.NewWriter(w)
	for _, n := range names {
		bw.WriteString(n)
		bw.WriteByte('\n')
	}
	return bw.Flush()
}
