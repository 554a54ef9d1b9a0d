// Package discovery owns the company universe daily games are drawn from.
package discovery

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sort"
	"strings"
	"time"

	"munymo/internal/cache"

	"gopkg.in/yaml.v3"
)

//go:embed universe.yaml
var defaultUniverse []byte

const universeCacheKey = "munymo:discovery:universe"

var ErrNoEligiblePair = errors.New("no eligible company pair")

type Company struct {
	Ticker   string `yaml:"ticker" json:"ticker"`
	Name     string `yaml:"name" json:"name"`
	Sector   string `yaml:"sector" json:"sector"`
	Exchange string `yaml:"exchange" json:"exchange"`
}

type universeFile struct {
	Companies []Company `yaml:"companies"`
}

// ParseUniverse decodes and validates a YAML universe.
func ParseUniverse(raw []byte) ([]Company, error) {
	var f universeFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse universe: %w", err)
	}
	seen := make(map[string]bool, len(f.Companies))
	out := make([]Company, 0, len(f.Companies))
	for i, c := range f.Companies {
		c.Ticker = strings.ToUpper(strings.TrimSpace(c.Ticker))
		c.Name = strings.TrimSpace(c.Name)
		c.Sector = strings.ToLower(strings.TrimSpace(c.Sector))
		if c.Ticker == "" || c.Name == "" {
			return nil, fmt.Errorf("universe entry %d: ticker and name are required", i)
		}
		if seen[c.Ticker] {
			return nil, fmt.Errorf("universe entry %d: duplicate ticker %s", i, c.Ticker)
		}
		seen[c.Ticker] = true
		out = append(out, c)
	}
	if len(out) < 2 {
		return nil, fmt.Errorf("universe needs at least two companies, got %d", len(out))
	}
	return out, nil
}

type Store struct {
	cache cache.Cache
	path  string
	ttl   time.Duration
	log   *slog.Logger
}

// NewStore reads the universe from path, or the embedded default when path is empty.
func NewStore(c cache.Cache, path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if c == nil {
		c = cache.NewMemory()
	}
	return &Store{cache: c, path: path, ttl: 6 * time.Hour, log: logger}
}

func (s *Store) Companies(ctx context.Context) ([]Company, error) {
	if raw, ok, err := s.cache.Get(ctx, universeCacheKey); err != nil {
		s.log.Warn("discovery cache read failed", "err", err)
	} else if ok {
		var out []Company
		if err := json.Unmarshal(raw, &out); err == nil && len(out) >= 2 {
			return out, nil
		}
	}

	raw := defaultUniverse
	if s.path != "" {
		b, err := os.ReadFile(s.path)
		if err != nil {
			return nil, fmt.Errorf("read universe file: %w", err)
		}
		raw = b
	}
	out, err := ParseUniverse(raw)
	if err != nil {
		return nil, err
	}
	if enc, err := json.Marshal(out); err == nil {
		if err := s.cache.Set(ctx, universeCacheKey, enc, s.ttl); err != nil {
			s.log.Warn("discovery cache write failed", "err", err)
		}
	}
	return out, nil
}

func (s *Store) Invalidate(ctx context.Context) error {
	return s.cache.DeletePrefix(ctx, universeCacheKey)
}

// PickPair draws two companies not in exclude, preferring a same-sector pair.
// Sectors are visited in random order so no sector dominates.
func PickPair(companies []Company, exclude map[string]bool, rnd *rand.Rand) (Company, Company, error) {
	bySector := make(map[string][]Company)
	var eligible []Company
	for _, c := range companies {
		if exclude[c.Ticker] {
			continue
		}
		eligible = append(eligible, c)
		bySector[c.Sector] = append(bySector[c.Sector], c)
	}
	if len(eligible) < 2 {
		return Company{}, Company{}, ErrNoEligiblePair
	}

	sectors := make([]string, 0, len(bySector))
	for sector, cs := range bySector {
		if len(cs) >= 2 {
			sectors = append(sectors, sector)
		}
	}
	sort.Strings(sectors)
	pool := eligible
	if len(sectors) > 0 {
		pool = bySector[sectors[rnd.Intn(len(sectors))]]
	}
	i := rnd.Intn(len(pool))
	j := rnd.Intn(len(pool) - 1)
	if j >= i {
		j++
	}
	return pool[i], pool[j], nil
}
