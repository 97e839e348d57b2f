package fetchers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PelleKrab/eth-mempool-analysis/pkg/cache"
)

const blocksCSV = "block_number,block_timestamp,base_fee\n100,1200,7000000000\n"

// flakyServer fails the first `failures` requests with a 500
func flakyServer(t *testing.T, failures int32, body string) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= failures {
			http.Error(w, "Code: 241. DB::Exception: Memory limit exceeded", http.StatusInternalServerError)
			return
		}
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func testClient(t *testing.T, url string, c cache.Cache) *ClickHouseClient {
	t.Helper()
	logger, _ := test.NewNullLogger()
	client, err := NewClickHouseClient(ClickHouseConfig{
		URL:                  url,
		Database:             "default",
		MaxRetries:           3,
		RetryInitialInterval: time.Millisecond,
	}, c, logger)
	require.NoError(t, err)
	return client
}

func TestQuerySendsCredentialsAndFormat(t *testing.T) {
	var gotQuery, gotDB, gotUser, gotPass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotQuery = string(body)
		gotDB = r.URL.Query().Get("database")
		gotUser, gotPass, _ = r.BasicAuth()
		_, _ = io.WriteString(w, blocksCSV)
	}))
	defer srv.Close()

	client, err := NewClickHouseClient(ClickHouseConfig{
		URL: srv.URL, User: "reader", Password: "secret", Database: "xatu",
	}, nil, nil)
	require.NoError(t, err)

	table, err := client.Query(context.Background(), "SELECT 1")
	require.NoError(t, err)

	assert.Equal(t, "SELECT 1 FORMAT CSVWithNames", gotQuery)
	assert.Equal(t, "xatu", gotDB)
	assert.Equal(t, "reader", gotUser)
	assert.Equal(t, "secret", gotPass)
	assert.Equal(t, 1, table.Len())
}

func TestQueryRetriesTransientFailures(t *testing.T) {
	srv, calls := flakyServer(t, 2, blocksCSV)
	logger, hook := test.NewNullLogger()
	client, err := NewClickHouseClient(ClickHouseConfig{
		URL: srv.URL, MaxRetries: 3, RetryInitialInterval: time.Millisecond,
	}, nil, logger)
	require.NoError(t, err)

	table, err := client.Query(context.Background(), "SELECT 1")
	require.NoError(t, err)

	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
	assert.Equal(t, 1, table.Len())
	assert.Len(t, hook.AllEntries(), 2)
}

func TestQueryReturnsTransportErrorAfterLastAttempt(t *testing.T) {
	srv, calls := flakyServer(t, 10, blocksCSV)
	client := testClient(t, srv.URL, nil)

	_, err := client.Query(context.Background(), "SELECT 1")

	var transportErr *TransportError
	require.True(t, errors.As(err, &transportErr))
	assert.Equal(t, 3, transportErr.Attempts)
	assert.Contains(t, err.Error(), "HTTP 500")
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

func TestQueryStopsOnCancellation(t *testing.T) {
	srv, _ := flakyServer(t, 10, blocksCSV)
	client := testClient(t, srv.URL, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Query(ctx, "SELECT 1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueryServesRepeatsFromCache(t *testing.T) {
	srv, calls := flakyServer(t, 0, blocksCSV)
	client := testClient(t, srv.URL, cache.NewMemoryCache())

	for i := 0; i < 3; i++ {
		table, err := client.Query(context.Background(), "SELECT * FROM canonical_beacon_block")
		require.NoError(t, err)
		assert.Equal(t, 1, table.Len())
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))

	_, err := client.Query(context.Background(), "SELECT 2")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
}

func TestNewClickHouseClientRequiresURL(t *testing.T) {
	_, err := NewClickHouseClient(ClickHouseConfig{}, nil, nil)
	assert.Error(t, err)
}

func TestParseCSVWithNames(t *testing.T) {
	table, err := ParseCSVWithNames("a,b,c\n1,\\N,\"x,y\"\n2,3,\n")
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, table.Columns)
	assert.Equal(t, 2, table.Len())

	v, ok := table.Value(0, "c")
	assert.True(t, ok)
	assert.Equal(t, "x,y", v)

	_, ok = table.Value(0, "b")
	assert.False(t, ok, "NULL is reported as missing")
	_, ok = table.Value(1, "c")
	assert.False(t, ok)
	_, ok = table.Value(1, "missing")
	assert.False(t, ok)
	_, ok = table.Value(5, "a")
	assert.False(t, ok)

	empty, err := ParseCSVWithNames("")
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())
	assert.False(t, empty.Has("a"))

	_, err = ParseCSVWithNames("a,b\n1,2,3\n")
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "parse"))
}
