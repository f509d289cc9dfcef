package entity

import "encoding/json"

// Outcome is what an executor reports after a fetch.
type Outcome struct {
	Success        bool            `json:"success"`
	Location       string          `json:"location,omitempty"`
	Error          string          `json:"error,omitempty"`
	DiscoveredURLs []string        `json:"discovered_urls,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}
