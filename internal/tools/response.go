package tools

import (
	"time"

	"github.com/czembower/loki-mcp/internal/loki"
	"github.com/czembower/loki-mcp/internal/shaper"
	"github.com/czembower/loki-mcp/internal/timeref"
)

// resolveRange resolves optional start/end arguments against the server's
// configured timezone, defaulting a missing end to now and a missing start
// to timeref.DefaultLookback before end.
func (s *Service) resolveRange(start, end string) (time.Time, time.Time, error) {
	var startPtr, endPtr *string
	if start != "" {
		startPtr = &start
	}
	if end != "" {
		endPtr = &end
	}
	return timeref.Range(startPtr, endPtr, s.timezone, time.Now())
}

// toRawResult adapts a Loki query_range envelope into the shape the shaper
// package flattens, converting the client's [][]string sample pairs into
// the shaper's fixed [2]string form and dropping malformed entries.
func toRawResult(resp *loki.QueryRangeResponse) shaper.RawResult {
	streams := make([]shaper.RawStream, 0, len(resp.Data.Result))
	for _, entry := range resp.Data.Result {
		values := make([][2]string, 0, len(entry.Values))
		for _, v := range entry.Values {
			if len(v) != 2 {
				continue
			}
			values = append(values, [2]string{v[0], v[1]})
		}
		streams = append(streams, shaper.RawStream{Stream: entry.Stream, Values: values})
	}
	return shaper.RawResult{Result: streams}
}

// formatLogResult shapes a log query_range response for the requested mode,
// returning the mode actually applied and its body, mirroring how the
// reference query tools attach both response_mode_requested and
// response_mode to their output so a caller can tell when smart mode
// downgraded to something other than raw.
func formatLogResult(requested shaper.Mode, resp *loki.QueryRangeResponse) (shaper.Mode, any) {
	shaped := shaper.Format(requested, toRawResult(resp), resp.Data)
	return shaped.Mode, shaped.Body
}
