package oracle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 1, 6, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return t0 }

func TestSnapshot_ReadsEachAssetOnce(t *testing.T) {
	feed := NewStaticFeed(fixedClock)
	feed.Set("BTC", 2_00000000, 8)
	feed.Set("ETH", 3_000000, 6)

	snap, err := Snapshot(context.Background(), feed, []string{"ETH", "BTC", "ETH"}, t0, time.Hour)
	require.NoError(t, err)
	require.Len(t, snap, 2)

	assert.True(t, snap["BTC"].Value().Equal(decimal.NewFromInt(2)))
	assert.True(t, snap["ETH"].Value().Equal(decimal.NewFromInt(3)))
	assert.Equal(t, int32(8), snap["BTC"].Decimals)
}

func TestSnapshot_UnknownAsset(t *testing.T) {
	feed := NewStaticFeed(fixedClock)
	feed.Set("BTC", 1, 0)

	_, err := Snapshot(context.Background(), feed, []string{"BTC", "DOGE"}, t0, 0)
	require.ErrorIs(t, err, ErrOracleUnavailable)
}

func TestSnapshot_RejectsNonPositivePrice(t *testing.T) {
	feed := NewStaticFeed(fixedClock)
	feed.Set("BTC", 0, 8)

	_, err := Snapshot(context.Background(), feed, []string{"BTC"}, t0, 0)
	require.ErrorIs(t, err, ErrStalePrice)
}

func TestSnapshot_RejectsOldQuote(t *testing.T) {
	feed := NewStaticFeed(fixedClock)
	feed.Set("BTC", 100, 0)

	_, err := Snapshot(context.Background(), feed, []string{"BTC"}, t0.Add(2*time.Hour), time.Hour)
	require.ErrorIs(t, err, ErrStalePrice)

	// Age check disabled.
	_, err = Snapshot(context.Background(), feed, []string{"BTC"}, t0.Add(2*time.Hour), 0)
	require.NoError(t, err)
}

type failingOracle struct{}

func (failingOracle) LatestPrice(context.Context, string) (Quote, error) {
	return Quote{}, errors.New("connection refused")
}

func TestSnapshot_WrapsForeignErrors(t *testing.T) {
	_, err := Snapshot(context.Background(), failingOracle{}, []string{"BTC"}, t0, 0)
	require.ErrorIs(t, err, ErrOracleUnavailable)
}

func TestHTTPFeed_LatestPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/prices/XAU" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"price":"265012000000","decimals":8,"updated_at":"2025-01-06T12:00:00Z"}`))
	}))
	defer srv.Close()

	feed := NewHTTPFeed(srv.URL+"/", time.Second)

	q, err := feed.LatestPrice(context.Background(), "XAU")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(decimal.NewFromInt(265012000000)))
	assert.Equal(t, int32(8), q.Decimals)
	assert.True(t, q.UpdatedAt.Equal(t0))

	_, err = feed.LatestPrice(context.Background(), "XAG")
	require.ErrorIs(t, err, ErrOracleUnavailable)
}
