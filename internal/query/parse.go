// Package query implements the streaming query pipeline: the
// QueryProcessor builder and the per-request QueryResultsPooler that
// adapts a storage cursor to the HTTP response body.
package query

import (
	"encoding/json"
	"strconv"

	"github.com/akumuli/akumulid/internal/errors"
	"github.com/akumuli/akumulid/internal/protocol/resp"
	"github.com/akumuli/akumulid/internal/storage"
)

// ApiEndpoint distinguishes the HTTP endpoint variants. It is supplied
// to the pooler so the formatter knows which textual representation to
// emit.
type ApiEndpoint int

const (
	// EndpointQuery is the range/aggregation query endpoint.
	EndpointQuery ApiEndpoint = iota
	// EndpointSuggest is the metric-name suggestion endpoint.
	EndpointSuggest
	// EndpointSearch is the series search endpoint.
	EndpointSearch
)

// String returns the endpoint name.
func (e ApiEndpoint) String() string {
	switch e {
	case EndpointQuery:
		return "query"
	case EndpointSuggest:
		return "suggest"
	case EndpointSearch:
		return "search"
	default:
		return "unknown"
	}
}

// OutputFormat selects the query result representation.
type OutputFormat int

const (
	// FormatJSON emits one JSON object per sample.
	FormatJSON OutputFormat = iota
	// FormatCSV emits one CSV row per sample.
	FormatCSV
)

// queryRequest is the JSON shape of a request body.
type queryRequest struct {
	Select     string            `json:"select"`
	Range      *queryRange       `json:"range"`
	Where      map[string]string `json:"where"`
	Output     *queryOutput      `json:"output"`
	Limit      int               `json:"limit"`
	StartsWith string            `json:"starts-with"`
}

type queryRange struct {
	From json.RawMessage `json:"from"`
	To   json.RawMessage `json:"to"`
}

type queryOutput struct {
	Format string `json:"format"`
}

// parseBound accepts a numeric nanosecond bound or an ISO8601 basic
// datetime string.
func parseBound(raw json.RawMessage) (uint64, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	var num uint64
	if err := json.Unmarshal(raw, &num); err == nil {
		return num, nil
	}
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return 0, errors.Wrapf(errors.ErrBadQuery, "bad range bound %s", string(raw))
	}
	if str == "" {
		return 0, nil
	}
	if v, err := strconv.ParseUint(str, 10, 64); err == nil {
		return v, nil
	}
	ts, err := resp.ParseTimestamp(str)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrBadQuery, "bad range bound %q", str)
	}
	return ts, nil
}

// ParseQueryText parses the accumulated query text for an endpoint into
// the engine query and the requested output format.
func ParseQueryText(text []byte, endpoint ApiEndpoint) (storage.Query, OutputFormat, error) {
	var q queryRequest
	if len(text) > 0 {
		if err := json.Unmarshal(text, &q); err != nil {
			return storage.Query{}, FormatJSON, errors.Wrapf(errors.ErrBadQuery, "parse query: %v", err)
		}
	}

	format := FormatJSON
	if q.Output != nil && q.Output.Format == "csv" {
		format = FormatCSV
	}

	switch endpoint {
	case EndpointSuggest:
		starts := q.StartsWith
		if starts == "" && q.Select != "" && q.Select != "metric-names" {
			starts = q.Select
		}
		return storage.Query{
			Kind:       storage.KindSuggest,
			StartsWith: starts,
			Limit:      q.Limit,
		}, format, nil

	case EndpointSearch:
		if q.Select == "" && len(q.Where) == 0 {
			return storage.Query{}, format, errors.Wrap(errors.ErrBadQuery, "search needs `select` or `where`")
		}
		metric := q.Select
		if metric == "*" {
			metric = ""
		}
		return storage.Query{
			Kind:   storage.KindSearch,
			Metric: metric,
			Where:  q.Where,
			Limit:  q.Limit,
		}, format, nil

	default:
		if q.Select == "" {
			return storage.Query{}, format, errors.Wrap(errors.ErrBadQuery, "missing `select` field")
		}
		sq := storage.Query{
			Kind:   storage.KindSelect,
			Metric: q.Select,
			Where:  q.Where,
			Limit:  q.Limit,
		}
		if q.Range != nil {
			from, err := parseBound(q.Range.From)
			if err != nil {
				return storage.Query{}, format, err
			}
			to, err := parseBound(q.Range.To)
			if err != nil {
				return storage.Query{}, format, err
			}
			sq.From, sq.To = from, to
		}
		return sq, format, nil
	}
}
