package query

import (
	"strings"
	"testing"

	"github.com/akumuli/akumulid/internal/errors"
	"github.com/akumuli/akumulid/internal/storage"
)

// newTestProcessor opens a fresh database and ingests a few samples of
// "series1 tag=a".
func newTestProcessor(t *testing.T, nsamples int) *QueryProcessor {
	t.Helper()
	dir := t.TempDir()
	if err := storage.CreateDatabase(dir, 4, 1024*1024, false); err != nil {
		t.Fatal(err)
	}
	con, err := storage.Open(dir, storage.FineTuneParams{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { con.Close() })

	session, err := con.NewSession()
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < nsamples; i++ {
		if err := session.Write("series1 tag=a", uint64(1000+i), float64(i)); err != nil {
			t.Fatal(err)
		}
	}
	session.Close()

	return NewQueryProcessor(con, 0)
}

// drain reads a pooler to completion with the given span size.
func drain(t *testing.T, op *QueryResultsPooler, span int) string {
	t.Helper()
	var out strings.Builder
	buf := make([]byte, span)
	for {
		n, done, err := op.ReadSome(buf)
		if err != nil {
			t.Fatalf("ReadSome: %v", err)
		}
		out.Write(buf[:n])
		if done {
			return out.String()
		}
		if n == 0 {
			buf = make([]byte, len(buf)*2)
		}
	}
}

func TestPoolerLifecycle(t *testing.T) {
	qproc := newTestProcessor(t, 10)

	op, err := qproc.Create(EndpointQuery)
	if err != nil {
		t.Fatal(err)
	}
	defer op.Close()

	// ReadSome before Start is rejected.
	if _, _, err := op.ReadSome(make([]byte, 128)); !errors.Is(err, errors.ErrNotStarted) {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}

	if err := op.Append([]byte(`{"select": "series1", "output": {"format": "csv"}}`)); err != nil {
		t.Fatal(err)
	}
	if err := op.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Append after Start is rejected.
	if err := op.Append([]byte("x")); !errors.Is(err, errors.ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
	// Second Start is rejected.
	if err := op.Start(); !errors.Is(err, errors.ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}

	body := drain(t, op, 4096)
	lines := strings.Split(strings.TrimRight(body, "\r\n"), "\r\n")
	if len(lines) != 10 {
		t.Fatalf("expected 10 rows, got %d: %q", len(lines), body)
	}
	if !strings.HasPrefix(lines[0], "series1 tag=a,") {
		t.Errorf("unexpected first row %q", lines[0])
	}
	if op.GetError() != nil {
		t.Errorf("unexpected error %v", op.GetError())
	}
}

func TestPoolerWholeSamplesOnly(t *testing.T) {
	qproc := newTestProcessor(t, 20)

	op, err := qproc.Create(EndpointQuery)
	if err != nil {
		t.Fatal(err)
	}
	defer op.Close()
	op.Append([]byte(`{"select": "series1", "output": {"format": "csv"}}`))
	if err := op.Start(); err != nil {
		t.Fatal(err)
	}

	// Tiny spans force samples to be held back; every returned chunk
	// must contain only whole lines.
	var out strings.Builder
	buf := make([]byte, 50)
	for {
		n, done, err := op.ReadSome(buf)
		if err != nil {
			t.Fatal(err)
		}
		chunk := string(buf[:n])
		if n > 0 && !strings.HasSuffix(chunk, "\r\n") {
			t.Fatalf("chunk splits a sample: %q", chunk)
		}
		out.Write(buf[:n])
		if done {
			break
		}
		if n == 0 {
			buf = make([]byte, len(buf)*2)
		}
	}

	lines := strings.Split(strings.TrimRight(out.String(), "\r\n"), "\r\n")
	if len(lines) != 20 {
		t.Fatalf("expected 20 rows, got %d", len(lines))
	}
}

func TestPoolerJSONFormat(t *testing.T) {
	qproc := newTestProcessor(t, 3)

	op, _ := qproc.Create(EndpointQuery)
	defer op.Close()
	op.Append([]byte(`{"select": "series1"}`))
	if err := op.Start(); err != nil {
		t.Fatal(err)
	}
	body := drain(t, op, 4096)
	if !strings.Contains(body, `"series":"series1 tag=a"`) {
		t.Errorf("unexpected body %q", body)
	}
}

func TestPoolerRange(t *testing.T) {
	qproc := newTestProcessor(t, 10)

	op, _ := qproc.Create(EndpointQuery)
	defer op.Close()
	op.Append([]byte(`{"select": "series1", "range": {"from": 1002, "to": 1005}, "output": {"format": "csv"}}`))
	if err := op.Start(); err != nil {
		t.Fatal(err)
	}
	body := drain(t, op, 4096)
	lines := strings.Split(strings.TrimRight(body, "\r\n"), "\r\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 rows in range, got %d: %q", len(lines), body)
	}
}

func TestPoolerSuggest(t *testing.T) {
	qproc := newTestProcessor(t, 1)

	op, err := qproc.Create(EndpointSuggest)
	if err != nil {
		t.Fatal(err)
	}
	defer op.Close()
	op.Append([]byte(`{"select": "metric-names", "starts-with": "series"}`))
	if err := op.Start(); err != nil {
		t.Fatal(err)
	}
	body := drain(t, op, 4096)
	if strings.TrimSpace(body) != "series1" {
		t.Errorf("expected suggestion %q, got %q", "series1", body)
	}
}

func TestPoolerSearch(t *testing.T) {
	qproc := newTestProcessor(t, 1)

	op, err := qproc.Create(EndpointSearch)
	if err != nil {
		t.Fatal(err)
	}
	defer op.Close()
	op.Append([]byte(`{"select": "series1", "where": {"tag": "a"}}`))
	if err := op.Start(); err != nil {
		t.Fatal(err)
	}
	body := drain(t, op, 4096)
	if strings.TrimSpace(body) != "series1 tag=a" {
		t.Errorf("unexpected search result %q", body)
	}
}

func TestPoolerBadQuery(t *testing.T) {
	qproc := newTestProcessor(t, 1)

	op, _ := qproc.Create(EndpointQuery)
	defer op.Close()
	op.Append([]byte(`{not json`))
	err := op.Start()
	if !errors.Is(err, errors.ErrBadQuery) {
		t.Fatalf("expected ErrBadQuery, got %v", err)
	}
	// The error is remembered.
	if op.GetError() == nil || op.GetErrorMessage() == "" {
		t.Error("error should be recorded")
	}
}

func TestPoolerCloseIdempotent(t *testing.T) {
	qproc := newTestProcessor(t, 1)

	op, _ := qproc.Create(EndpointQuery)
	op.Append([]byte(`{"select": "series1"}`))
	if err := op.Start(); err != nil {
		t.Fatal(err)
	}
	op.Close()
	op.Close()

	// After close, ReadSome reports completion.
	n, done, err := op.ReadSome(make([]byte, 64))
	if err != nil || n != 0 || !done {
		t.Errorf("closed pooler: n=%d done=%v err=%v", n, done, err)
	}
}

func TestProcessorUpgradeOrFail(t *testing.T) {
	dir := t.TempDir()
	if err := storage.CreateDatabase(dir, 4, 1024*1024, false); err != nil {
		t.Fatal(err)
	}
	con, err := storage.Open(dir, storage.FineTuneParams{})
	if err != nil {
		t.Fatal(err)
	}
	qproc := NewQueryProcessor(con, 0)

	if _, err := qproc.Create(EndpointQuery); err != nil {
		t.Fatalf("Create before close: %v", err)
	}

	con.Close()

	if _, err := qproc.Create(EndpointQuery); !errors.Is(err, errors.ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed, got %v", err)
	}
	if _, err := qproc.GetAllStats(); !errors.Is(err, errors.ErrConnectionClosed) {
		t.Errorf("stats: expected ErrConnectionClosed, got %v", err)
	}
	if _, err := qproc.GetResource("function-names"); !errors.Is(err, errors.ErrConnectionClosed) {
		t.Errorf("resource: expected ErrConnectionClosed, got %v", err)
	}
}

func TestParseQueryText(t *testing.T) {
	q, format, err := ParseQueryText(
		[]byte(`{"select": "cpu", "range": {"from": "20200101T000000", "to": 2000}, "where": {"host": "a"}, "output": {"format": "csv"}, "limit": 5}`),
		EndpointQuery)
	if err != nil {
		t.Fatal(err)
	}
	if format != FormatCSV {
		t.Error("expected CSV format")
	}
	if q.Metric != "cpu" || q.From != 1577836800000000000 || q.To != 2000 || q.Limit != 5 {
		t.Errorf("unexpected query %+v", q)
	}
	if q.Where["host"] != "a" {
		t.Errorf("unexpected where %v", q.Where)
	}

	if _, _, err := ParseQueryText([]byte(`{}`), EndpointQuery); !errors.Is(err, errors.ErrBadQuery) {
		t.Errorf("missing select should fail, got %v", err)
	}
}
