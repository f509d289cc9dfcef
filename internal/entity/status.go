package entity

// Status is the scheduling state of a Download.
type Status string

const (
	StatusNew      Status = "new"
	StatusPending  Status = "pending"
	StatusDeferred Status = "deferred"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusPending, StatusDeferred, StatusComplete, StatusFailed:
		return true
	}
	return false
}
