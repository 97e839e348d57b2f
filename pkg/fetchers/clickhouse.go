package fetchers

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/PelleKrab/eth-mempool-analysis/pkg/cache"
	"github.com/PelleKrab/eth-mempool-analysis/pkg/metrics"
)

// nullValue is how ClickHouse renders NULL in CSV output
const nullValue = `\N`

// ClickHouseConfig configures the HTTP interface of the archive
type ClickHouseConfig struct {
	URL      string
	User     string
	Password string
	Database string

	// Timeout bounds a single HTTP request.
	Timeout time.Duration
	// MaxRetries is the total number of attempts per query.
	MaxRetries           int
	RetryInitialInterval time.Duration

	// CacheTTL is how long raw query results are kept; zero keeps them forever.
	CacheTTL time.Duration
}

// DefaultClickHouseConfig returns the transport defaults: a 300s request
// timeout and three attempts waiting 1s then 2s.
func DefaultClickHouseConfig() ClickHouseConfig {
	return ClickHouseConfig{
		Timeout:              300 * time.Second,
		MaxRetries:           3,
		RetryInitialInterval: time.Second,
	}
}

// TransportError is returned when a query still fails after every attempt
type TransportError struct {
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("archive query failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ClickHouseClient runs SQL against the ClickHouse HTTP interface and returns
// CSVWithNames results
type ClickHouseClient struct {
	cfg   ClickHouseConfig
	http  *http.Client
	cache cache.Cache
	log   logrus.FieldLogger
}

// NewClickHouseClient creates a client. The cache is optional.
func NewClickHouseClient(cfg ClickHouseConfig, c cache.Cache, log logrus.FieldLogger) (*ClickHouseClient, error) {
	if cfg.URL == "" {
		return nil, errors.New("clickhouse URL is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid clickhouse URL %q: %w", cfg.URL, err)
	}
	defaults := DefaultClickHouseConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = defaults.RetryInitialInterval
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &ClickHouseClient{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		cache: c,
		log:   log.WithField("component", "clickhouse"),
	}, nil
}

// exponential doubles the wait after every failed attempt without jitter
func (c *ClickHouseClient) exponential() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInitialInterval
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(c.cfg.MaxRetries-1))
}

// Query executes a statement and parses the result. Results are served from
// the cache when one is configured.
func (c *ClickHouseClient) Query(ctx context.Context, query string) (*Table, error) {
	query = strings.TrimSpace(query)
	key := cache.QueryKey(c.cfg.Database, query)

	if c.cache != nil {
		if body, err := c.cache.GetString(ctx, key); err == nil {
			metrics.ArchiveQueries.WithLabelValues("cached").Inc()
			return ParseCSVWithNames(body)
		} else if !errors.Is(err, cache.ErrCacheMiss) {
			c.log.WithError(err).Warn("⚠️ Cache read failed, querying archive")
		}
	}

	body, err := c.execute(ctx, query)
	if err != nil {
		return nil, err
	}

	table, err := ParseCSVWithNames(body)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if err := c.cache.SetString(ctx, key, body, c.cfg.CacheTTL); err != nil {
			c.log.WithError(err).Warn("⚠️ Cache write failed")
		}
	}
	return table, nil
}

// execute posts the query with retries and returns the raw response body
func (c *ClickHouseClient) execute(ctx context.Context, query string) (string, error) {
	start := time.Now()
	defer func() { metrics.ArchiveQueryDuration.Observe(time.Since(start).Seconds()) }()

	attempts := 0
	body, err := backoff.RetryNotifyWithData(func() (string, error) {
		attempts++
		return c.post(ctx, query)
	}, backoff.WithContext(c.exponential(), ctx), func(err error, wait time.Duration) {
		metrics.ArchiveQueries.WithLabelValues("retry").Inc()
		c.log.WithFields(logrus.Fields{
			"attempt": attempts,
			"max":     c.cfg.MaxRetries,
			"wait":    wait,
		}).WithError(err).Warn("⚠️ Query failed, retrying")
	})
	if err != nil {
		metrics.ArchiveQueries.WithLabelValues("failed").Inc()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", &TransportError{Attempts: attempts, Err: err}
	}
	metrics.ArchiveQueries.WithLabelValues("ok").Inc()
	return body, nil
}

func (c *ClickHouseClient) post(ctx context.Context, query string) (string, error) {
	endpoint, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", backoff.Permanent(err)
	}
	if c.cfg.Database != "" {
		params := endpoint.Query()
		params.Set("database", c.cfg.Database)
		endpoint.RawQuery = params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(),
		strings.NewReader(query+" FORMAT CSVWithNames"))
	if err != nil {
		return "", backoff.Permanent(err)
	}
	if c.cfg.User != "" {
		req.SetBasicAuth(c.cfg.User, c.cfg.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		msg := string(body)
		if len(msg) > 500 {
			msg = msg[:500]
		}
		return "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)
	}
	return string(body), nil
}

// Table is a parsed CSVWithNames result; every value stays a string
type Table struct {
	Columns []string
	Rows    [][]string
	index   map[string]int
}

// ParseCSVWithNames parses a header line followed by data rows
func ParseCSVWithNames(body string) (*Table, error) {
	t := &Table{index: map[string]int{}}
	if strings.TrimSpace(body) == "" {
		return t, nil
	}

	r := csv.NewReader(strings.NewReader(body))
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV result: %w", err)
	}
	t.Columns = records[0]
	for i, name := range t.Columns {
		t.index[name] = i
	}
	t.Rows = records[1:]
	return t, nil
}

// Len returns the number of data rows
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Has reports whether the result carries the column
func (t *Table) Has(column string) bool {
	_, ok := t.index[column]
	return ok
}

// Value returns the cell of a row and false when the column is missing or NULL
func (t *Table) Value(row int, column string) (string, bool) {
	i, ok := t.index[column]
	if !ok || row < 0 || row >= len(t.Rows) || i >= len(t.Rows[row]) {
		return "", false
	}
	v := t.Rows[row][i]
	if v == nullValue || v == "" {
		return "", false
	}
	return v, true
}
