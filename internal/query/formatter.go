package query

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/akumuli/akumulid/internal/storage/types"
)

// Formatter turns one sample into its textual representation. Format
// writes at most len(dst) bytes and reports ok=false without writing
// when the sample does not fit; the caller retries with a larger span.
//
// The formatter is chosen once at pooler start from the endpoint tag;
// there is no per-sample dynamic dispatch beyond this interface call.
type Formatter interface {
	Format(dst []byte, sample *types.Sample) (n int, ok bool)
}

// NameResolver resolves a parameter id to its canonical series name.
type NameResolver func(id uint64) (string, bool)

// NewFormatter selects the formatter for an endpoint and output format.
func NewFormatter(endpoint ApiEndpoint, format OutputFormat, names NameResolver) Formatter {
	switch endpoint {
	case EndpointSuggest, EndpointSearch:
		return &nameFormatter{}
	default:
		if format == FormatCSV {
			return &csvFormatter{names: names}
		}
		return &jsonFormatter{names: names}
	}
}

// emit copies a complete record into dst, or reports it didn't fit.
func emit(dst, record []byte) (int, bool) {
	if len(record) > len(dst) {
		return 0, false
	}
	return copy(dst, record), true
}

// formatTimestamp renders a nanosecond timestamp in ISO8601 basic form.
func formatTimestamp(ts uint64) string {
	return time.Unix(0, int64(ts)).UTC().Format("20060102T150405.000000000")
}

// formatValue renders a scalar or tuple payload.
func formatValue(s *types.Sample) string {
	if s.Payload == types.PayloadTuple {
		parts := make([]string, len(s.Tuple))
		for i, v := range s.Tuple {
			parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		return strings.Join(parts, ";")
	}
	return strconv.FormatFloat(s.Value, 'g', -1, 64)
}

// csvFormatter emits "series,timestamp,value" rows.
type csvFormatter struct {
	names   NameResolver
	scratch []byte
}

func (f *csvFormatter) Format(dst []byte, sample *types.Sample) (int, bool) {
	name, ok := f.names(sample.ParamID)
	if !ok {
		name = strconv.FormatUint(sample.ParamID, 10)
	}
	f.scratch = f.scratch[:0]
	f.scratch = append(f.scratch, name...)
	f.scratch = append(f.scratch, ',')
	f.scratch = append(f.scratch, formatTimestamp(sample.Timestamp)...)
	f.scratch = append(f.scratch, ',')
	f.scratch = append(f.scratch, formatValue(sample)...)
	f.scratch = append(f.scratch, '\r', '\n')
	return emit(dst, f.scratch)
}

// jsonFormatter emits one JSON object per line.
type jsonFormatter struct {
	names   NameResolver
	scratch []byte
}

func (f *jsonFormatter) Format(dst []byte, sample *types.Sample) (int, bool) {
	name, ok := f.names(sample.ParamID)
	if !ok {
		name = strconv.FormatUint(sample.ParamID, 10)
	}
	f.scratch = f.scratch[:0]
	if sample.Payload == types.PayloadTuple {
		f.scratch = fmt.Appendf(f.scratch, "{%q:%q,%q:%q,%q:[",
			"series", name, "timestamp", formatTimestamp(sample.Timestamp), "values")
		for i, v := range sample.Tuple {
			if i > 0 {
				f.scratch = append(f.scratch, ',')
			}
			f.scratch = strconv.AppendFloat(f.scratch, v, 'g', -1, 64)
		}
		f.scratch = append(f.scratch, ']', '}', '\r', '\n')
	} else {
		f.scratch = fmt.Appendf(f.scratch, "{%q:%q,%q:%q,%q:",
			"series", name, "timestamp", formatTimestamp(sample.Timestamp), "value")
		f.scratch = strconv.AppendFloat(f.scratch, sample.Value, 'g', -1, 64)
		f.scratch = append(f.scratch, '}', '\r', '\n')
	}
	return emit(dst, f.scratch)
}

// nameFormatter emits one series or metric name per line for the
// suggest and search endpoints. Names travel as blob payloads.
type nameFormatter struct {
	scratch []byte
}

func (f *nameFormatter) Format(dst []byte, sample *types.Sample) (int, bool) {
	f.scratch = f.scratch[:0]
	f.scratch = append(f.scratch, sample.Blob...)
	f.scratch = append(f.scratch, '\r', '\n')
	return emit(dst, f.scratch)
}
