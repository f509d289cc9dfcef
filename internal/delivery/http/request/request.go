package request

// ScheduleRequest admits one URL or a batch. A positive FrequencySeconds
// makes URL recurring.
type ScheduleRequest struct {
	URL              string   `json:"url"`
	URLs             []string `json:"urls"`
	Executor         string   `json:"executor"`
	SubExecutor      string   `json:"sub_executor"`
	ResetAttempts    bool     `json:"reset_attempts"`
	FrequencySeconds int64    `json:"frequency"`
}

type RenewRequest struct {
	ResetAttempts bool `json:"reset_attempts"`
}

type SkipRequest struct {
	URLs []string `json:"urls"`
}
