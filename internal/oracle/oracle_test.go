package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quanta-exchange/quanta/pkg/errs"
	"github.com/quanta-exchange/quanta/pkg/logger"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestStatic(t *testing.T) {
	s := NewStatic()
	_, err := s.GetSpotPrice(context.Background(), "ETH")
	assert.True(t, errs.IsCode(err, errs.CodeOracleUnavailable))

	s.Set("ETH", dec("2500"))
	q, err := s.GetSpotPrice(context.Background(), "ETH")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(dec("2500")))
	assert.Equal(t, "ETH", q.Symbol)
}

func TestCached_TTL(t *testing.T) {
	src := NewStatic()
	src.Set("ETH", dec("2500"))

	c := NewCached(src, logger.Nop(), CachedConfig{TTL: 5 * time.Second, MaxStaleness: time.Minute})
	base := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	now := base
	c.SetClock(func() time.Time { return now })

	q, err := c.GetSpotPrice(context.Background(), "ETH")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(dec("2500")))

	// Inside the TTL the cached quote is served even after the source
	// moves.
	src.Set("ETH", dec("2600"))
	now = base.Add(3 * time.Second)
	q, err = c.GetSpotPrice(context.Background(), "ETH")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(dec("2500")))

	// Past the TTL the quote refreshes.
	now = base.Add(6 * time.Second)
	q, err = c.GetSpotPrice(context.Background(), "ETH")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(dec("2600")))
}

func TestCached_StaleFallbackAndStalenessCutoff(t *testing.T) {
	src := NewStatic()
	src.Set("ETH", dec("2500"))

	c := NewCached(src, logger.Nop(), CachedConfig{TTL: 5 * time.Second, MaxStaleness: time.Minute})
	base := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	now := base
	c.SetClock(func() time.Time { return now })

	_, err := c.GetSpotPrice(context.Background(), "ETH")
	require.NoError(t, err)

	// Source dies; the stale quote keeps serving within MaxStaleness.
	src.Fail(errors.New("feed down"))
	now = base.Add(30 * time.Second)
	q, err := c.GetSpotPrice(context.Background(), "ETH")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(dec("2500")))

	// Beyond MaxStaleness the oracle gives up.
	now = base.Add(2 * time.Minute)
	_, err = c.GetSpotPrice(context.Background(), "ETH")
	assert.True(t, errs.IsCode(err, errs.CodeOracleUnavailable))

	// Recovery repopulates the cache.
	src.Fail(nil)
	src.Set("ETH", dec("2700"))
	q, err = c.GetSpotPrice(context.Background(), "ETH")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(dec("2700")))
}

func TestCached_UnknownSymbol(t *testing.T) {
	c := NewCached(NewStatic(), logger.Nop(), CachedConfig{})
	_, err := c.GetSpotPrice(context.Background(), "BTC")
	assert.True(t, errs.IsCode(err, errs.CodeOracleUnavailable))
}
