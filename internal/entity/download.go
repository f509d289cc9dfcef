package entity

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/user/download-manager/pkg/utils"
)

// ErrRecurringFailure is returned when a recurring download would be marked failed.
var ErrRecurringFailure = errors.New("recurring download cannot fail")

// Download mirrors one row of the `downloads` table.
type Download struct {
	ID              int64           `json:"id"`
	URL             string          `json:"url"`
	Status          Status          `json:"status"`
	Attempts        int             `json:"attempts"`
	ExecutorName    string          `json:"executor,omitempty"`
	SubExecutorName string          `json:"sub_executor,omitempty"`
	Frequency       time.Duration   `json:"frequency,omitempty"`
	NextScheduledAt *time.Time      `json:"next_scheduled_at,omitempty"`
	LastSuccessAt   *time.Time      `json:"last_success_at,omitempty"`
	Error           string          `json:"error,omitempty"`
	Location        string          `json:"location,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type plainDownload Download

// MarshalJSON encodes Frequency in whole seconds, the unit the API accepts.
func (d Download) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		plainDownload
		Frequency int64 `json:"frequency,omitempty"`
	}{plainDownload(d), int64(d.Frequency / time.Second)})
}

func (d *Download) UnmarshalJSON(data []byte) error {
	aux := struct {
		*plainDownload
		Frequency int64 `json:"frequency,omitempty"`
	}{plainDownload: (*plainDownload)(d)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	d.Frequency = time.Duration(aux.Frequency) * time.Second
	return nil
}

// IsRecurring reports whether the download is re-fetched every Frequency.
func (d *Download) IsRecurring() bool {
	return d.Frequency > 0
}

// Domain is the admission unit for per-host concurrency.
func (d *Download) Domain() string {
	return utils.Domain(d.URL)
}

// Renew makes the download eligible for dispatch again.
func (d *Download) Renew(resetAttempts bool) {
	d.Status = StatusNew
	if resetAttempts {
		d.Attempts = 0
	}
}

// Complete records a successful fetch. Empty location or metadata keep the
// previous values.
func (d *Download) Complete(now time.Time, location string, metadata json.RawMessage) {
	d.Status = StatusComplete
	d.Error = ""
	d.LastSuccessAt = &now
	if location != "" {
		d.Location = location
	}
	if len(metadata) > 0 {
		d.Metadata = metadata
	}
}

// Defer records a transient failure.
func (d *Download) Defer(reason string) {
	d.Status = StatusDeferred
	d.Error = reason
}

// Fail records a permanent failure. Recurring downloads are never failed.
func (d *Download) Fail(reason string) error {
	if d.IsRecurring() {
		return errors.WithDetailf(ErrRecurringFailure, "download %d: %s", d.ID, d.URL)
	}
	d.Status = StatusFailed
	d.Error = reason
	return nil
}
