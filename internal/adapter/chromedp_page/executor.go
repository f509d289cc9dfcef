package chromedp_page

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
	"github.com/user/download-manager/internal/entity"
	"github.com/user/download-manager/internal/executor"
	"github.com/user/download-manager/internal/proxy"
	"github.com/user/download-manager/pkg/utils"
	"go.uber.org/zap"
)

// PageExecutor renders a page in headless Chrome and stores an HTML snapshot.
// It accepts any http(s) URL and is tried last.
type PageExecutor struct {
	allocatorPool *sync.Pool
	proxies       *proxy.Manager
	fs            afero.Fs
	dir           string
	timeout       time.Duration
	logger        *zap.Logger
}

// NewPageExecutor creates the executor. Snapshots go under dir on fs.
func NewPageExecutor(fs afero.Fs, dir string, proxies *proxy.Manager, headless bool, pageLoadTimeout time.Duration, logger *zap.Logger) *PageExecutor {
	pool := &sync.Pool{
		New: func() interface{} {
			opts := append(chromedp.DefaultExecAllocatorOptions[:],
				chromedp.Flag("headless", headless),
				chromedp.Flag("disable-gpu", true),
				chromedp.Flag("no-sandbox", true),
				chromedp.Flag("disable-dev-shm-usage", true),
			)
			if p := proxies.NextProxy(); p != nil {
				opts = append(opts, chromedp.ProxyServer(p.String()))
			}
			allocCtx, _ := chromedp.NewExecAllocator(context.Background(), opts...)
			return allocCtx
		},
	}

	return &PageExecutor{
		allocatorPool: pool,
		proxies:       proxies,
		fs:            fs,
		dir:           dir,
		timeout:       pageLoadTimeout,
		logger:        logger.Named("page"),
	}
}

func (e *PageExecutor) Info() executor.Info {
	return executor.Info{
		Name:       "page",
		PrettyName: "Web page snapshot",
		Priority:   100,
		Listable:   true,
		Timeout:    e.timeout,
	}
}

func (e *PageExecutor) Matches(_ context.Context, rawURL string) (bool, json.RawMessage) {
	scheme, _, ok := strings.Cut(rawURL, "://")
	return ok && (scheme == "http" || scheme == "https"), nil
}

func (e *PageExecutor) AlreadyDone(_ context.Context, rawURL string) bool {
	_, err := e.fs.Stat(e.snapshotPath(rawURL))
	return err == nil
}

// Execute navigates to the page, records the document's HTTP status, and
// saves the rendered HTML.
func (e *PageExecutor) Execute(ctx context.Context, d *entity.Download) (*entity.Outcome, error) {
	allocCtx := e.allocatorPool.Get().(context.Context)
	defer e.allocatorPool.Put(allocCtx)

	taskCtx, cancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(e.logger.Sugar().Debugf))
	defer cancel()
	// The browser context outlives the fetch context, so tie them together.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var documentStatus atomic.Int64
	chromedp.ListenTarget(taskCtx, documentStatusListener(&documentStatus))

	var html string
	err := chromedp.Run(taskCtx,
		network.Enable(),
		network.SetExtraHTTPHeaders(network.Headers{"User-Agent": e.proxies.UserAgent()}),
		chromedp.Navigate(d.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrapf(ctx.Err(), "render %s", d.URL)
		}
		return nil, errors.Wrapf(err, "render %s", d.URL)
	}
	status := documentStatus.Load()
	if err := statusError(d.URL, status); err != nil {
		return nil, err
	}

	page, err := ExtractPageData(html)
	if err != nil {
		return nil, errors.Wrap(err, "extract page data")
	}
	page.StatusCode = status

	target := e.snapshotPath(d.URL)
	if err := e.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, errors.Wrap(err, "create snapshot directory")
	}
	if err := afero.WriteFile(e.fs, target, []byte(html), 0o644); err != nil {
		return nil, errors.Wrapf(err, "write %s", target)
	}

	meta, err := json.Marshal(page)
	if err != nil {
		return nil, errors.Wrap(err, "encode page data")
	}
	e.logger.Info("Saved page snapshot", zap.String("url", d.URL), zap.String("title", page.Title))
	return &entity.Outcome{Success: true, Location: target, Metadata: meta}, nil
}

func (e *PageExecutor) snapshotPath(rawURL string) string {
	return utils.StoragePath(e.dir, rawURL, ".html")
}

// documentStatusListener stores the status of the first document response.
// chromedp calls it from its event goroutine.
func documentStatusListener(status *atomic.Int64) func(ev interface{}) {
	return func(ev interface{}) {
		if resp, ok := ev.(*network.EventResponseReceived); ok && resp.Type == network.ResourceTypeDocument {
			status.CompareAndSwap(0, resp.Response.Status)
		}
	}
}

func statusError(rawURL string, status int64) error {
	if status < 400 {
		return nil
	}
	err := errors.Newf("render %s: status %d", rawURL, status)
	switch status {
	case 401, 403, 404, 410, 451:
		return executor.Permanent(err)
	}
	return err
}
