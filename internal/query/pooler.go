package query

import (
	"io"

	"github.com/akumuli/akumulid/config"
	"github.com/akumuli/akumulid/internal/errors"
	"github.com/akumuli/akumulid/internal/storage"
	"github.com/akumuli/akumulid/internal/storage/types"
)

// poolerState tracks the pooler lifecycle.
type poolerState int

const (
	stateCreated poolerState = iota
	stateStarted
	stateDraining
	stateClosed
	stateErrored
)

// QueryResultsPooler is the streaming read operation behind one HTTP
// query. It accumulates the query text, pulls samples from a cursor,
// formats them into the caller's buffer, and surfaces cursor errors
// exactly once.
//
// Lifecycle: Append* -> Start -> ReadSome* -> Close.
type QueryResultsPooler struct {
	session   *storage.Session
	cursor    *storage.Cursor
	formatter Formatter
	endpoint  ApiEndpoint

	queryText []byte

	// rdbuf is a fixed-capacity ring of samples pulled from the cursor
	// and not yet formatted into a caller buffer.
	rdbuf []types.Sample
	rdpos int
	rdtop int

	state         poolerState
	cursorDone    bool
	err           error
	errorProduced bool
}

// NewPooler creates a pooler bound to a session. readBufSize is the
// sample capacity of the internal buffer; 0 selects the default.
func NewPooler(session *storage.Session, readBufSize int, endpoint ApiEndpoint) *QueryResultsPooler {
	if readBufSize <= 0 {
		readBufSize = config.DefaultReadBufSize
	}
	return &QueryResultsPooler{
		session:  session,
		endpoint: endpoint,
		rdbuf:    make([]types.Sample, readBufSize),
	}
}

// Append accumulates query text. Legal only before Start.
func (p *QueryResultsPooler) Append(data []byte) error {
	if p.state != stateCreated {
		return errors.ErrAlreadyStarted
	}
	p.queryText = append(p.queryText, data...)
	return nil
}

// Start parses the accumulated query text, opens the cursor, and
// initializes the formatter for the endpoint. Calling it twice fails
// with ErrAlreadyStarted.
func (p *QueryResultsPooler) Start() error {
	if p.state != stateCreated {
		return errors.ErrAlreadyStarted
	}

	q, format, err := ParseQueryText(p.queryText, p.endpoint)
	if err != nil {
		p.state = stateErrored
		p.err = err
		p.cursorDone = true
		return err
	}

	cursor, err := p.session.Query(q)
	if err != nil {
		p.state = stateErrored
		p.err = err
		p.cursorDone = true
		return err
	}

	p.cursor = cursor
	p.formatter = NewFormatter(p.endpoint, format, p.session.SeriesName)
	p.state = stateStarted
	return nil
}

// refill pulls the next batch of samples from the cursor into rdbuf.
func (p *QueryResultsPooler) refill() {
	if p.cursorDone || p.err != nil {
		return
	}
	n, err := p.cursor.ReadSome(p.rdbuf)
	p.rdpos = 0
	p.rdtop = n
	if err == io.EOF {
		p.cursorDone = true
		return
	}
	if err != nil {
		p.err = err
		p.state = stateErrored
		p.cursorDone = true
	}
}

// ReadSome formats as many whole samples as fit into buf and reports
// whether the stream is complete. Partial samples are never split: a
// sample that does not fit is held back for the next call. After a
// cursor error the already-formatted samples are flushed, then the
// error is reported exactly once as a RESP-style error line; subsequent
// calls return (0, true).
func (p *QueryResultsPooler) ReadSome(buf []byte) (int, bool, error) {
	switch p.state {
	case stateCreated:
		return 0, false, errors.ErrNotStarted
	case stateClosed:
		return 0, true, nil
	case stateStarted:
		p.state = stateDraining
	}

	pos := 0
	for {
		if p.rdpos == p.rdtop {
			if p.cursorDone {
				break
			}
			p.refill()
			if p.rdpos == p.rdtop {
				break
			}
			continue
		}
		n, ok := p.formatter.Format(buf[pos:], &p.rdbuf[p.rdpos])
		if !ok {
			// Does not fit; the caller drains buf and retries.
			return pos, false, nil
		}
		pos += n
		p.rdpos++
	}

	drained := p.rdpos == p.rdtop && p.cursorDone
	if drained && p.err != nil {
		if !p.errorProduced {
			line := append([]byte("-"), p.err.Error()...)
			line = append(line, '\r', '\n')
			if len(line) <= len(buf)-pos {
				pos += copy(buf[pos:], line)
				p.errorProduced = true
			} else {
				// Flush formatted data first, or let the caller retry
				// with a larger span; the error line goes out on the
				// next call.
				return pos, false, nil
			}
		}
		return pos, true, nil
	}

	return pos, drained, nil
}

// GetError returns the first non-success status seen from the cursor or
// query parser. It keeps returning the original status indefinitely.
func (p *QueryResultsPooler) GetError() error {
	return p.err
}

// GetErrorMessage returns the textual form of the recorded error.
func (p *QueryResultsPooler) GetErrorMessage() string {
	if p.err == nil {
		return ""
	}
	return p.err.Error()
}

// Close releases the cursor and session promptly. Idempotent.
func (p *QueryResultsPooler) Close() {
	if p.state == stateClosed {
		return
	}
	p.state = stateClosed
	if p.cursor != nil {
		p.cursor.Close()
	}
	if p.session != nil {
		p.session.Close()
	}
}

// =============================================================================
// Query Processor
// =============================================================================

// QueryProcessor manufactures one QueryResultsPooler per incoming HTTP
// query. It holds a back-reference to the connection that must
// upgrade-or-fail: once the connection is torn down every operation
// fails with ErrConnectionClosed.
type QueryProcessor struct {
	con       *storage.Connection
	rdbufSize int
}

// NewQueryProcessor creates a processor with the given default read
// buffer size.
func NewQueryProcessor(con *storage.Connection, rdbufSize int) *QueryProcessor {
	if rdbufSize <= 0 {
		rdbufSize = config.DefaultReadBufSize
	}
	return &QueryProcessor{con: con, rdbufSize: rdbufSize}
}

// Create returns a new pooler bound to a freshly created session.
func (p *QueryProcessor) Create(endpoint ApiEndpoint) (*QueryResultsPooler, error) {
	session, err := p.con.NewSession()
	if err != nil {
		return nil, err
	}
	return NewPooler(session, p.rdbufSize, endpoint), nil
}

// GetAllStats returns the engine statistics blob.
func (p *QueryProcessor) GetAllStats() (string, error) {
	return p.con.StatsJSON()
}

// GetResource returns an engine-exposed textual resource.
func (p *QueryProcessor) GetResource(name string) (string, error) {
	return p.con.Resource(name)
}
