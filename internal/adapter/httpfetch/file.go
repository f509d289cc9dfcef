package httpfetch

import (
	"context"
	"encoding/json"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
	"github.com/user/download-manager/internal/entity"
	"github.com/user/download-manager/internal/executor"
	"github.com/user/download-manager/pkg/utils"
)

// Extensions served as web pages rather than files.
var pageExtensions = map[string]bool{
	"": true, ".html": true, ".htm": true, ".php": true, ".asp": true, ".aspx": true,
	".jsp": true, ".xml": true, ".rss": true, ".atom": true,
}

type fileMetadata struct {
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
}

// FileExecutor saves the body of a URL that points at a file.
type FileExecutor struct {
	fetcher *Fetcher
	fs      afero.Fs
	dir     string
}

// NewFileExecutor stores files under dir on fs, one sub-directory per domain.
func NewFileExecutor(fetcher *Fetcher, fs afero.Fs, dir string) *FileExecutor {
	return &FileExecutor{fetcher: fetcher, fs: fs, dir: dir}
}

func (e *FileExecutor) Info() executor.Info {
	return executor.Info{
		Name:       "file",
		PrettyName: "File",
		Priority:   50,
		Listable:   true,
		Timeout:    2 * time.Hour,
	}
}

func (e *FileExecutor) Matches(_ context.Context, rawURL string) (bool, json.RawMessage) {
	u, ok := isHTTP(rawURL)
	if !ok {
		return false, nil
	}
	return !pageExtensions[strings.ToLower(path.Ext(u.Path))], nil
}

func (e *FileExecutor) AlreadyDone(_ context.Context, rawURL string) bool {
	_, err := e.fs.Stat(e.target(rawURL))
	return err == nil
}

func (e *FileExecutor) Execute(ctx context.Context, d *entity.Download) (*entity.Outcome, error) {
	resp, err := e.fetcher.Get(ctx, d.URL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	target := e.target(d.URL)
	if err := e.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, errors.Wrap(err, "create download directory")
	}

	part := target + ".part"
	f, err := e.fs.Create(part)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", part)
	}
	size, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if err := errors.CombineErrors(copyErr, closeErr); err != nil {
		_ = e.fs.Remove(part)
		return nil, errors.Wrapf(err, "write %s", part)
	}
	if err := e.fs.Rename(part, target); err != nil {
		return nil, errors.Wrapf(err, "finalize %s", target)
	}

	return &entity.Outcome{
		Success:  true,
		Location: target,
		Metadata: mustJSON(fileMetadata{ContentType: resp.Header.Get("Content-Type"), Size: size}),
	}, nil
}

func (e *FileExecutor) target(rawURL string) string {
	u, _ := isHTTP(rawURL)
	ext := ""
	if u != nil {
		ext = strings.ToLower(path.Ext(u.Path))
	}
	return utils.StoragePath(e.dir, rawURL, ext)
}
