// Package opentsdb implements the OpenTSDB telnet-style ingestion
// protocol.
//
// Each line is a put command:
//
//	put <metric> <timestamp> <value> <tag1=value1> [tag2=value2 ...]
//
// Timestamps are Unix seconds or milliseconds and are converted to the
// engine's nanosecond resolution. The series name handed to the engine
// is the metric followed by the tags.
package opentsdb

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/akumuli/akumulid/internal/errors"
	"github.com/akumuli/akumulid/internal/storage"
)

// Parser consumes telnet put commands and writes samples into a session.
type Parser struct {
	session *storage.Session
	buf     []byte
}

// NewParser creates a parser writing into session.
func NewParser(session *storage.Session) *Parser {
	return &Parser{session: session}
}

// ParseNext consumes data. Complete lines are ingested; an incomplete
// trailing line is retained for the next call.
func (p *Parser) ParseNext(data []byte) error {
	p.buf = append(p.buf, data...)

	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			return nil
		}
		line := strings.TrimRight(string(p.buf[:i]), "\r")
		p.buf = p.buf[i+1:]

		if line == "" {
			continue
		}
		if err := p.consumeLine(line); err != nil {
			return err
		}
	}
}

func (p *Parser) consumeLine(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	if fields[0] != "put" {
		return errors.Wrapf(errors.ErrBadProtocol, "unknown command %q", fields[0])
	}
	if len(fields) < 5 {
		return errors.Wrapf(errors.ErrBadProtocol, "short put command %q", line)
	}

	metric := fields[1]
	ts, err := parseTimestamp(fields[2])
	if err != nil {
		return err
	}
	value, err := strconv.ParseFloat(fields[3], 64)
	if err != nil {
		return errors.Wrapf(errors.ErrBadValue, "%q", fields[3])
	}

	var b strings.Builder
	b.WriteString(metric)
	for _, tag := range fields[4:] {
		if !strings.Contains(tag, "=") {
			return errors.Wrapf(errors.ErrBadProtocol, "bad tag %q", tag)
		}
		b.WriteByte(' ')
		b.WriteString(tag)
	}

	return p.session.Write(b.String(), ts, value)
}

// Close releases the parser. Any buffered incomplete input is dropped.
func (p *Parser) Close() {
	p.buf = nil
}

// parseTimestamp converts an OpenTSDB timestamp (seconds or
// milliseconds) to nanoseconds.
func parseTimestamp(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrBadTimestamp, "%q", s)
	}
	// Millisecond timestamps have 13 digits until the year 2286.
	if len(s) > 10 {
		return v * 1e6, nil
	}
	return v * 1e9, nil
}
