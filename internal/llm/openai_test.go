package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	ko  = Company{Ticker: "KO", Name: "Coca-Cola", Sector: "consumer staples"}
	pep = Company{Ticker: "PEP", Name: "PepsiCo", Sector: "consumer staples"}
)

func TestGameCopy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-test", req.Model)
		require.Len(t, req.Messages, 2)
		assert.True(t, strings.Contains(req.Messages[1].Content, "PepsiCo"))

		content := "```json\n{\"headline\":\"Cola wars\",\"description_a\":\"Coke.\",\"description_b\":\"Pepsi.\"}\n```"
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": content}}},
		})
	}))
	defer srv.Close()

	c := NewClient("sk-test", "gpt-test", srv.URL)
	got, err := c.GameCopy(context.Background(), ko, pep)
	require.NoError(t, err)
	assert.Equal(t, GameCopy{Headline: "Cola wars", DescriptionA: "Coke.", DescriptionB: "Pepsi."}, got)
}

func TestGameCopyDisabled(t *testing.T) {
	_, err := NewClient("", "", "").GameCopy(context.Background(), ko, pep)
	assert.True(t, errors.Is(err, ErrDisabled))
}

func TestGameCopyErrorsTripBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer srv.Close()

	c := NewClient("sk-test", "", srv.URL)
	c.limiter.SetLimit(1000)
	c.limiter.SetBurst(10)
	for i := 0; i < 4; i++ {
		_, err := c.GameCopy(context.Background(), ko, pep)
		require.Error(t, err)
	}
	assert.Equal(t, int32(3), hits.Load())
}

func TestParseGameCopyRejectsPartial(t *testing.T) {
	_, err := parseGameCopy(`{"headline":"x","description_a":""}`)
	assert.Error(t, err)
}

func TestTemplateCopy(t *testing.T) {
	got := TemplateCopy(ko, pep)
	assert.Equal(t, "Consumer Staples showdown: KO vs PEP", got.Headline)
	assert.Contains(t, got.DescriptionA, "Coca-Cola (KO)")

	got = TemplateCopy(Company{Ticker: "X", Name: "Xco"}, Company{Ticker: "Y", Name: "Yco", Sector: "energy"})
	assert.Equal(t, "Xco vs Yco: who wins the day?", got.Headline)
	assert.Equal(t, "Xco trades as X.", got.DescriptionA)
}
