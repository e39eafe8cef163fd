// Package protocol implements the line-oriented agent/collector exchange:
// one JSON record per line from the agent, one reply line per record from the collector.
package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/bc-dunia/hostpulse/internal/types"
)

const (
	// AckReply acknowledges a stored record.
	AckReply = "ACK"
	// ErrorReply rejects a line that could not be parsed as a record.
	ErrorReply = "ERROR: Invalid format"

	lineTerminator = '\n'
)

var (
	ErrInvalidFormat = errors.New("invalid record format")
	ErrMissingField  = errors.New("missing field")
)

// wireRecord mirrors types.Record with pointer fields so absent keys can be told
// apart from zero values.
type wireRecord struct {
	Timestamp   *int64
	Hostname    *string
	CPUUsage    *float64
	MemoryTotal *uint64
	MemoryUsed  *uint64
	DiskTotal   *uint64
	DiskUsed    *uint64
}

// fields pairs each wire key with its destination, in wire order.
func (w *wireRecord) fields() []struct {
	key string
	dst any
} {
	return []struct {
		key string
		dst any
	}{
		{"timestamp", &w.Timestamp},
		{"hostname", &w.Hostname},
		{"cpu_usage", &w.CPUUsage},
		{"memory_total", &w.MemoryTotal},
		{"memory_used", &w.MemoryUsed},
		{"disk_total", &w.DiskTotal},
		{"disk_used", &w.DiskUsed},
	}
}

// decode fills w from keys that match exactly. encoding/json folds case when
// matching struct fields, so keys are looked up in a map instead.
func (w *wireRecord) decode(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, f := range w.fields() {
		v, ok := raw[f.key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(v, f.dst); err != nil {
			return fmt.Errorf("field %s: %w", f.key, err)
		}
	}
	return nil
}

// EncodeRecord returns the wire form of rec including the line terminator.
func EncodeRecord(rec types.Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return append(data, lineTerminator), nil
}

// WriteRecord writes rec as a single line.
func WriteRecord(w io.Writer, rec types.Record) error {
	line, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	if _, err := w.Write(line); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// ParseRecord decodes one request line. The trailing line terminator is optional.
// Every field must be present with the right type; unknown fields are ignored.
func ParseRecord(line string) (types.Record, error) {
	line = trimLine(line)

	var w wireRecord
	if err := w.decode([]byte(line)); err != nil {
		return types.Record{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	missing := w.missingFields()
	if len(missing) > 0 {
		return types.Record{}, fmt.Errorf("%w: %w: %s", ErrInvalidFormat, ErrMissingField, strings.Join(missing, ", "))
	}
	if *w.Timestamp < 0 {
		return types.Record{}, fmt.Errorf("%w: negative timestamp %d", ErrInvalidFormat, *w.Timestamp)
	}

	return types.Record{
		Timestamp:   *w.Timestamp,
		Hostname:    *w.Hostname,
		CPUUsage:    *w.CPUUsage,
		MemoryTotal: *w.MemoryTotal,
		MemoryUsed:  *w.MemoryUsed,
		DiskTotal:   *w.DiskTotal,
		DiskUsed:    *w.DiskUsed,
	}, nil
}

func (w *wireRecord) missingFields() []string {
	var missing []string
	if w.Timestamp == nil {
		missing = append(missing, "timestamp")
	}
	if w.Hostname == nil {
		missing = append(missing, "hostname")
	}
	if w.CPUUsage == nil {
		missing = append(missing, "cpu_usage")
	}
	if w.MemoryTotal == nil {
		missing = append(missing, "memory_total")
	}
	if w.MemoryUsed == nil {
		missing = append(missing, "memory_used")
	}
	if w.DiskTotal == nil {
		missing = append(missing, "disk_total")
	}
	if w.DiskUsed == nil {
		missing = append(missing, "disk_used")
	}
	return missing
}

// WriteReply writes AckReply when ok is true, ErrorReply otherwise.
func WriteReply(w io.Writer, ok bool) error {
	reply := ErrorReply
	if ok {
		reply = AckReply
	}
	if _, err := io.WriteString(w, reply+string(lineTerminator)); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}

// IsAck reports whether a reply line is the acknowledgment token.
func IsAck(reply string) bool {
	return trimLine(reply) == AckReply
}

// LineReader reads newline-delimited lines from a stream.
type LineReader struct {
	reader *bufio.Reader
}

func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{reader: bufio.NewReader(r)}
}

// ReadLine returns the next line including its terminator.
// A final unterminated fragment is returned with a nil error; the call after it
// returns io.EOF with an empty line. io.EOF with an empty line means the peer
// closed the stream cleanly.
func (lr *LineReader) ReadLine() (string, error) {
	line, err := lr.reader.ReadString(lineTerminator)
	if err == io.EOF && line != "" {
		return line, nil
	}
	return line, err
}

func trimLine(line string) string {
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r")
}
