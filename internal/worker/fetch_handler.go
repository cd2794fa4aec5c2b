package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"fundval-scheduler/internal/models"
)

// FundCatalog receives the fund list returned by kind-wide metadata jobs.
type FundCatalog interface {
	UpsertFund(ctx context.Context, code, name string, now time.Time) error
}

// FetchHandler pulls one subject's data from the provider gateway and
// archives the raw response. It performs no parsing beyond a JSON check,
// except for the kind-wide metadata listing which seeds the fund catalog.
type FetchHandler struct {
	baseURL    string
	httpClient *http.Client
	maxBytes   int64
	snapshots  SnapshotWriter
	catalog    FundCatalog
	now        func() time.Time
	logger     hclog.Logger
}

// FetchOptions configures a FetchHandler.
type FetchOptions struct {
	BaseURL   string
	Timeout   time.Duration
	MaxBytes  int64
	Snapshots SnapshotWriter
	Catalog   FundCatalog
	Now       func() time.Time
	Logger    hclog.Logger
}

// NewFetchHandler builds a handler. Snapshots and Catalog are optional.
func NewFetchHandler(opts FetchOptions) *FetchHandler {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 8 * 1024 * 1024
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	return &FetchHandler{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: &http.Client{Timeout: opts.Timeout},
		maxBytes:   opts.MaxBytes,
		snapshots:  opts.Snapshots,
		catalog:    opts.Catalog,
		now:        opts.Now,
		logger:     opts.Logger.Named("fetch"),
	}
}

// URL returns the provider endpoint for job.
func (h *FetchHandler) URL(job models.Job) string {
	parts := []string{h.baseURL, url.PathEscape(job.Source), url.PathEscape(string(job.Kind))}
	if job.Subject != "" {
		parts = append(parts, url.PathEscape(job.Subject))
	}
	return strings.Join(parts, "/")
}

// SnapshotKey is the archive path of job's response on day t.
func SnapshotKey(job models.Job, t time.Time) string {
	subject := job.Subject
	if subject == "" {
		subject = "_all"
	}
	return fmt.Sprintf("%s/%s/%s/%s.json", job.Source, job.Kind, subject, t.UTC().Format(models.CounterDayLayout))
}

// Handle fetches, validates and archives the response for job.
func (h *FetchHandler) Handle(ctx context.Context, job models.Job) error {
	body, err := h.fetch(ctx, h.URL(job))
	if err != nil {
		return err
	}
	if job.Kind == models.KindMetadataSync && job.Subject == "" && h.catalog != nil {
		if err := h.seedCatalog(ctx, body); err != nil {
			return err
		}
	}
	if h.snapshots != nil {
		where, err := h.snapshots.Put(ctx, SnapshotKey(job, h.now()), body, "application/json")
		if err != nil {
			return fmt.Errorf("archive snapshot: %w", err)
		}
		h.logger.Trace("snapshot archived", "job_id", job.ID, "location", where, "bytes", len(body))
	}
	return nil
}

func (h *FetchHandler) fetch(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch: status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err != nil || !strings.HasSuffix(mt, "json") {
			return nil, fmt.Errorf("fetch: unexpected content type %q", ct)
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > h.maxBytes {
		return nil, fmt.Errorf("response too large (>%d bytes)", h.maxBytes)
	}
	if !json.Valid(body) {
		return nil, errors.New("response is not valid JSON")
	}
	return body, nil
}

type fundListing struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

func (h *FetchHandler) seedCatalog(ctx context.Context, body []byte) error {
	var funds []fundListing
	if err := json.Unmarshal(body, &funds); err != nil {
		return fmt.Errorf("decode fund listing: %w", err)
	}
	now := h.now()
	seeded := 0
	for _, f := range funds {
		if f.Code == "" {
			continue
		}
		if err := h.catalog.UpsertFund(ctx, f.Code, f.Name, now); err != nil {
			return err
		}
		seeded++
	}
	h.logger.Debug("fund catalog refreshed", "funds", seeded)
	return nil
}
