package repository

// SkipListRepository is the persisted set of URLs that are never scheduled
// automatically.
type SkipListRepository interface {
	Contains(url string) bool
	// Add and Remove persist the whole list before returning.
	Add(urls ...string) error
	Remove(urls ...string) error
	List() []string
}
