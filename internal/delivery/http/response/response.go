package response

import (
	"github.com/user/download-manager/internal/entity"
	"github.com/user/download-manager/internal/executor"
)

type Error struct {
	Error string `json:"error"`
}

type Downloads struct {
	Downloads []*entity.Download `json:"downloads"`
	Count     int                `json:"count"`
}

type Deleted struct {
	Deleted int64 `json:"deleted"`
}

type Executors struct {
	Executors []executor.Info `json:"executors"`
}

type SkipList struct {
	URLs []string `json:"urls"`
}

// Health maps each checked dependency to "healthy" or "unhealthy".
type Health struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}
