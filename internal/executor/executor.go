package executor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/user/download-manager/internal/entity"
)

// ErrPermanent marks failures that will never succeed on retry, such as
// removed content or denied access.
var ErrPermanent = errors.New("permanent failure")

// Permanent marks err as a permanent failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrPermanent)
}

// IsPermanent reports whether err was marked by Permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// Info describes an executor at registration time.
type Info struct {
	Name       string        `json:"name"`
	PrettyName string        `json:"pretty_name"`
	Priority   int           `json:"priority"`
	Listable   bool          `json:"listable"`
	Timeout    time.Duration `json:"timeout,omitempty"`
}

// Executor recognizes and fetches one class of URL.
type Executor interface {
	Info() Info
	// Matches reports whether the executor can handle rawURL. The returned
	// metadata is stored on the download and is available to Execute.
	Matches(ctx context.Context, rawURL string) (bool, json.RawMessage)
	// AlreadyDone reports whether the content of rawURL was already fetched.
	AlreadyDone(ctx context.Context, rawURL string) bool
	// Execute performs the fetch. It must return promptly once ctx is done.
	Execute(ctx context.Context, d *entity.Download) (*entity.Outcome, error)
}

// ResolveTimeout picks the fetch timeout for e. A positive global wins;
// otherwise the executor's own timeout applies. Zero means no timeout.
func ResolveTimeout(global *time.Duration, e Executor) time.Duration {
	if global != nil && *global > 0 {
		return *global
	}
	return e.Info().Timeout
}
