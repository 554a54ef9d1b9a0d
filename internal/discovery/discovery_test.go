package discovery

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"munymo/internal/cache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedUniverseIsValid(t *testing.T) {
	companies, err := ParseUniverse(defaultUniverse)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(companies), 20)

	sectors := map[string]int{}
	for _, c := range companies {
		sectors[c.Sector]++
	}
	for sector, n := range sectors {
		assert.GreaterOrEqual(t, n, 2, "sector %s cannot form a pair", sector)
	}
}

func TestParseUniverseRejectsDuplicates(t *testing.T) {
	_, err := ParseUniverse([]byte("companies:\n  - {ticker: aapl, name: Apple}\n  - {ticker: AAPL, name: Apple again}\n"))
	require.Error(t, err)
}

func TestStoreReadsFileAndCaches(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "u.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`companies:
  - {ticker: ko, name: Coca-Cola, sector: Staples}
  - {ticker: pep, name: PepsiCo, sector: staples}
`), 0o600))

	c := cache.NewMemory()
	s := NewStore(c, path, nil)
	got, err := s.Companies(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "KO", got[0].Ticker)
	assert.Equal(t, "staples", got[0].Sector)

	// Served from cache even after the file disappears.
	require.NoError(t, os.Remove(path))
	got, err = s.Companies(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 2)

	require.NoError(t, s.Invalidate(context.Background()))
	_, err = s.Companies(context.Background())
	assert.Error(t, err)
}

func TestPickPairPrefersSameSector(t *testing.T) {
	companies := []Company{
		{Ticker: "KO", Sector: "staples"},
		{Ticker: "PEP", Sector: "staples"},
		{Ticker: "XOM", Sector: "energy"},
		{Ticker: "AAPL", Sector: "technology"},
	}
	rnd := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		a, b, err := PickPair(companies, nil, rnd)
		require.NoError(t, err)
		assert.NotEqual(t, a.Ticker, b.Ticker)
		assert.Equal(t, "staples", a.Sector)
		assert.Equal(t, "staples", b.Sector)
	}
}

func TestPickPairFallsBackAcrossSectors(t *testing.T) {
	companies := []Company{
		{Ticker: "KO", Sector: "staples"},
		{Ticker: "PEP", Sector: "staples"},
		{Ticker: "XOM", Sector: "energy"},
		{Ticker: "AAPL", Sector: "technology"},
	}
	a, b, err := PickPair(companies, map[string]bool{"PEP": true}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.NotEqual(t, a.Ticker, b.Ticker)
	assert.NotEqual(t, "PEP", a.Ticker)
	assert.NotEqual(t, "PEP", b.Ticker)

	_, _, err = PickPair(companies, map[string]bool{"PEP": true, "KO": true, "XOM": true}, rand.New(rand.NewSource(1)))
	assert.True(t, errors.Is(err, ErrNoEligiblePair))
}
