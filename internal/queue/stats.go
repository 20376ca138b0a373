package queue

// RequestRecord is the wire-friendly projection of one ledger entry.
type RequestRecord struct {
	JobID          string `json:"jobId"`
	Timestamp      int64  `json:"timestamp"`
	DurationMillis int64  `json:"durationMillis"`
	Success        bool   `json:"success"`
	TimedOut       bool   `json:"timedOut"`
	InputTokens    int    `json:"inputTokens,omitempty"`
	OutputTokens   int    `json:"outputTokens,omitempty"`
}

// Stats is the read projection exposed to the decision pipeline and the
// observability endpoint. Recomputed on demand, never persisted.
type Stats struct {
	QueueDepth          int             `json:"queueDepth"`
	ProcessingCount     int             `json:"processingCount"`
	TotalProcessed      uint64          `json:"totalProcessed"`
	TotalTimedOut       uint64          `json:"totalTimedOut"`
	TotalFailed         uint64          `json:"totalFailed"`
	AvgProcessingTimeMs float64         `json:"avgProcessingTimeMs"`
	ProcessedPerSecond  float64         `json:"processedPerSecond"`
	TokensPerSecond     float64         `json:"tokensPerSecond"`
	CapacityUtilization float64         `json:"capacityUtilization"`
	ThinkingCoefficient float64         `json:"thinkingCoefficient"`
	RecentRequests      []RequestRecord `json:"recentRequests,omitempty"`
}
