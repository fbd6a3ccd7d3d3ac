// Package resp implements the RESP ingestion protocol parser.
//
// Samples arrive as triples of RESP values: a series name, a timestamp,
// and a value. Strings use the "+" prefix, integers the ":" prefix, and
// bulk strings the "$" prefix; tuple values are "*" arrays of numbers.
//
//	+cpu.user host=web01
//	+20200101T000000
//	+3.14
//
// The parser consumes a byte stream incrementally: ParseNext may be
// called with arbitrary stream fragments and incomplete trailing input
// is retained until the next call. A parse error poisons the parser;
// callers discard it and continue with a fresh instance.
package resp

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"github.com/akumuli/akumulid/internal/errors"
	"github.com/akumuli/akumulid/internal/storage"
)

// parser states
const (
	expectSeries = iota
	expectTimestamp
	expectValue
)

// Parser consumes RESP input and writes samples into a session.
type Parser struct {
	session *storage.Session

	buf   []byte
	state int

	series    string
	timestamp uint64

	// tupleLeft is the number of pending tuple elements; 0 means the
	// next value is a scalar.
	tupleLeft int
	tuple     []float64

	poisoned bool
}

// NewParser creates a parser writing into session.
func NewParser(session *storage.Session) *Parser {
	return &Parser{session: session}
}

// NextBuffer returns a buffer the caller copies raw input into before
// passing it back to ParseNext. Mirrors the zero-copy handoff the
// ingestion servers use.
func (p *Parser) NextBuffer(size int) []byte {
	return make([]byte, size)
}

// ParseNext consumes data. Complete samples are written to the session;
// an incomplete trailing line is retained for the next call.
func (p *Parser) ParseNext(data []byte) error {
	if p.poisoned {
		return errors.Wrap(errors.ErrBadProtocol, "parser discarded after previous error")
	}
	p.buf = append(p.buf, data...)

	for {
		line, rest, ok := cutLine(p.buf)
		if !ok {
			return nil
		}
		p.buf = rest
		if err := p.consumeLine(line); err != nil {
			p.poisoned = true
			return err
		}
	}
}

// cutLine extracts one CRLF-terminated line.
func cutLine(buf []byte) (line, rest []byte, ok bool) {
	i := bytes.IndexByte(buf, '\n')
	if i < 0 {
		return nil, buf, false
	}
	line = buf[:i]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return line, buf[i+1:], true
}

func (p *Parser) consumeLine(line []byte) error {
	if len(line) == 0 {
		return errors.Wrap(errors.ErrBadProtocol, "empty line")
	}
	prefix, body := line[0], string(line[1:])

	switch p.state {
	case expectSeries:
		switch prefix {
		case '+', '$':
			if body == "" {
				return errors.Wrap(errors.ErrBadSeries, "empty series name")
			}
			// Bulk string headers ("$<len>") are followed by the name
			// on the next line; accept both spellings by skipping a
			// pure-length body.
			if prefix == '$' {
				if _, err := strconv.Atoi(body); err == nil {
					return nil
				}
			}
			p.series = body
			p.state = expectTimestamp
			return nil
		default:
			// A bare name line after a "$<len>" header.
			if prefix != '-' && prefix != ':' && prefix != '*' {
				p.series = string(line)
				p.state = expectTimestamp
				return nil
			}
			return errors.Wrapf(errors.ErrBadProtocol, "unexpected %q while reading series", string(line))
		}

	case expectTimestamp:
		switch prefix {
		case '+':
			ts, err := ParseTimestamp(body)
			if err != nil {
				return err
			}
			p.timestamp = ts
		case ':':
			ts, err := strconv.ParseUint(body, 10, 64)
			if err != nil {
				return errors.Wrapf(errors.ErrBadTimestamp, "%q", body)
			}
			p.timestamp = ts
		default:
			return errors.Wrapf(errors.ErrBadTimestamp, "unexpected %q", string(line))
		}
		p.state = expectValue
		return nil

	case expectValue:
		switch prefix {
		case '*':
			n, err := strconv.Atoi(body)
			if err != nil || n <= 0 {
				return errors.Wrapf(errors.ErrBadValue, "bad tuple header %q", string(line))
			}
			p.tupleLeft = n
			p.tuple = make([]float64, 0, n)
			return nil
		case '+', ':':
			v, err := strconv.ParseFloat(body, 64)
			if err != nil {
				return errors.Wrapf(errors.ErrBadValue, "%q", body)
			}
			if p.tupleLeft > 0 {
				p.tuple = append(p.tuple, v)
				p.tupleLeft--
				if p.tupleLeft > 0 {
					return nil
				}
				return p.commitTuple()
			}
			return p.commitScalar(v)
		default:
			return errors.Wrapf(errors.ErrBadValue, "unexpected %q", string(line))
		}
	}
	return errors.Wrap(errors.ErrBadProtocol, "invalid parser state")
}

func (p *Parser) commitScalar(v float64) error {
	err := p.session.Write(p.series, p.timestamp, v)
	p.state = expectSeries
	return err
}

func (p *Parser) commitTuple() error {
	err := p.session.WriteTuple(p.series, p.timestamp, p.tuple)
	p.tuple = nil
	p.state = expectSeries
	return err
}

// Close releases the parser. Any buffered incomplete input is dropped.
func (p *Parser) Close() {
	p.buf = nil
}

// timestampLayout is ISO8601 basic format with an optional fraction.
const timestampLayout = "20060102T150405.999999999"

// ParseTimestamp parses a RESP timestamp: either an integer nanosecond
// count or an ISO8601 basic datetime like 20200101T000000.
func ParseTimestamp(s string) (uint64, error) {
	if s == "" {
		return 0, errors.Wrap(errors.ErrBadTimestamp, "empty timestamp")
	}
	if !strings.ContainsAny(s, "T.") {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, errors.Wrapf(errors.ErrBadTimestamp, "%q", s)
		}
		return v, nil
	}
	t, err := time.ParseInLocation(timestampLayout, s, time.UTC)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrBadTimestamp, "%q", s)
	}
	return uint64(t.UnixNano()), nil
}
