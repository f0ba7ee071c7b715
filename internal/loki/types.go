package loki

// QueryRangeResponse is the Loki query_range/query response envelope.
type QueryRangeResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string `json:"resultType"`
		Result     []struct {
			Stream map[string]string `json:"stream"`
			Values [][]string        `json:"values"` // [ ["<ns epoch>", "<log line>"], ... ]
			Metric map[string]string `json:"metric,omitempty"`
			Value  []any             `json:"value,omitempty"` // [ ts, "<sample>" ] for instant vector members
		} `json:"result"`
		Stats map[string]any `json:"stats,omitempty"`
	} `json:"data"`
	Warnings  []string `json:"warnings,omitempty"`
	ErrorType string   `json:"errorType,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// QueryStats mirrors the "stats.summary" block Loki attaches to query responses.
// Populated by parseQueryStats, tolerant of the several key spellings different
// Loki versions have used for the same field.
type QueryStats struct {
	BytesProcessed int64
	LinesProcessed int64
	ChunksMatched  int64
	StreamsMatched int64
	Raw            map[string]any `json:"-"`
}

// IndexStatsResponse is the /loki/api/v1/index/stats envelope.
type IndexStatsResponse struct {
	Streams int64 `json:"streams"`
	Chunks  int64 `json:"chunks"`
	Entries int64 `json:"entries"`
	Bytes   int64 `json:"bytes"`
}

// LabelsResponse is the /loki/api/v1/labels and .../values envelope.
type LabelsResponse struct {
	Status string   `json:"status"`
	Data   []string `json:"data"`
}

// SeriesResponse is the /loki/api/v1/series envelope.
type SeriesResponse struct {
	Status string              `json:"status"`
	Data   []map[string]string `json:"data"`
}

// BuildInfoResponse is the /loki/api/v1/status/buildinfo envelope.
type BuildInfoResponse struct {
	Version   string `json:"version"`
	Revision  string `json:"revision"`
	GoVersion string `json:"goVersion"`
}

// Health summarizes a readiness probe against Loki.
type Health struct {
	Healthy       bool
	Message       string
	BuildInfo     *BuildInfoResponse
	RingReachable bool
}
