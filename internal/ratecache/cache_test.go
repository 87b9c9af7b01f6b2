package ratecache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apolotel/billingcore/internal/billingerr"
	"github.com/apolotel/billingcore/internal/domain"
)

type fakeBackend struct {
	store   map[string]string
	getErr  error
	flushed bool
}

func newFakeBackend() *fakeBackend { return &fakeBackend{store: map[string]string{}} }

func (f *fakeBackend) Get(_ context.Context, key string) (string, bool, error) {
	if f.getErr != nil {
		return "", false, f.getErr
	}

	v, ok := f.store[key]

	return v, ok, nil
}

func (f *fakeBackend) Set(_ context.Context, key, value string, _ time.Duration) error {
	f.store[key] = value
	return nil
}

func (f *fakeBackend) FlushAll(_ context.Context) error {
	f.flushed = true
	f.store = map[string]string{}
	return nil
}

type fakeCatalog struct {
	rate  domain.Rate
	err   error
	calls int
}

func (f *fakeCatalog) Lookup(_ context.Context, _ string) (domain.Rate, error) {
	f.calls++
	return f.rate, f.err
}

func (f *fakeCatalog) Invalidate(_ context.Context) error { return nil }

func TestCache_MissFallsThroughAndBackfills(t *testing.T) {
	backend := newFakeBackend()
	catalog := &fakeCatalog{rate: domain.Rate{ID: "r1", Prefix: "519", PerMinute: decimal.RequireFromString("0.025")}}
	cache := New(backend, catalog, time.Minute, nil)

	rate, err := cache.Lookup(context.Background(), "51987654321")
	require.NoError(t, err)
	assert.Equal(t, "r1", rate.ID)
	assert.Equal(t, 1, catalog.calls)

	// second lookup should hit the cache, not the catalog
	rate2, err := cache.Lookup(context.Background(), "51987654321")
	require.NoError(t, err)
	assert.Equal(t, "r1", rate2.ID)
	assert.Equal(t, 1, catalog.calls)
}

func TestCache_BackendErrorDegradesToCatalog(t *testing.T) {
	backend := newFakeBackend()
	backend.getErr = errors.New("timeout")
	catalog := &fakeCatalog{rate: domain.Rate{ID: "r1"}}
	cache := New(backend, catalog, time.Minute, nil)

	rate, err := cache.Lookup(context.Background(), "51987654321")
	require.NoError(t, err)
	assert.Equal(t, "r1", rate.ID)
}

func TestCache_NoRateFoundPropagates(t *testing.T) {
	backend := newFakeBackend()
	catalog := &fakeCatalog{err: billingerr.ErrRateNotFound}
	cache := New(backend, catalog, time.Minute, nil)

	_, err := cache.Lookup(context.Background(), "000")
	assert.ErrorIs(t, err, billingerr.ErrRateNotFound)
}

func TestCache_Invalidate(t *testing.T) {
	backend := newFakeBackend()
	cache := New(backend, &fakeCatalog{}, time.Minute, nil)

	require.NoError(t, cache.Invalidate(context.Background()))
	assert.True(t, backend.flushed)
}

func TestCache_StoresJSONEncodedRate(t *testing.T) {
	backend := newFakeBackend()
	rate := domain.Rate{ID: "r1", Prefix: "519", PerMinute: decimal.RequireFromString("0.025")}
	cache := New(backend, &fakeCatalog{rate: rate}, time.Minute, nil)

	_, err := cache.Lookup(context.Background(), "51987654321")
	require.NoError(t, err)

	raw, ok := backend.store[keyPrefix+"51987654321"]
	require.True(t, ok)

	var decoded domain.Rate
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))
	assert.Equal(t, "r1", decoded.ID)
}
