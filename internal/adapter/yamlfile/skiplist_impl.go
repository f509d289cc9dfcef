package yamlfile

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// document is the on-disk form of download_manager.yaml.
type document struct {
	SkipURLs []string `yaml:"skip_urls"`
}

// SkipList keeps the skip list in a YAML document. Every change rewrites the
// whole document through a temporary file and a rename.
type SkipList struct {
	fs   afero.Fs
	path string

	mu   sync.RWMutex
	urls map[string]struct{}
}

// LoadSkipList reads path from fs. A missing file is an empty list.
func LoadSkipList(fs afero.Fs, path string) (*SkipList, error) {
	s := &SkipList{fs: fs, path: path, urls: make(map[string]struct{})}

	data, err := afero.ReadFile(fs, path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read skip list %s", path)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(err, "parse skip list %s", path)
	}
	for _, u := range doc.SkipURLs {
		s.urls[u] = struct{}{}
	}
	return s, nil
}

func (s *SkipList) Contains(url string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.urls[url]
	return ok
}

func (s *SkipList) Add(urls ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for _, u := range urls {
		if _, ok := s.urls[u]; !ok && u != "" {
			s.urls[u] = struct{}{}
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.save()
}

func (s *SkipList) Remove(urls ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for _, u := range urls {
		if _, ok := s.urls[u]; ok {
			delete(s.urls, u)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.save()
}

func (s *SkipList) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted()
}

func (s *SkipList) sorted() []string {
	urls := make([]string, 0, len(s.urls))
	for u := range s.urls {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return urls
}

// save must be called with mu held.
func (s *SkipList) save() error {
	data, err := yaml.Marshal(document{SkipURLs: s.sorted()})
	if err != nil {
		return errors.Wrap(err, "encode skip list")
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create %s", dir)
		}
	}
	tmp := s.path + ".tmp-" + uuid.NewString()
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		_ = s.fs.Remove(tmp)
		return errors.Wrapf(err, "replace %s", s.path)
	}
	return nil
}
