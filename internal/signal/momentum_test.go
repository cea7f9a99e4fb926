package signal

import (
	"context"
	"testing"
	"time"

	"leverbot/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (nopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func testConfig() Config {
	return Config{
		ShortWindow:   3,
		LongWindow:    8,
		RSIWindow:     5,
		RSIOverbought: 70,
		RSIOversold:   30,
	}
}

func feed(s *Scorer, symbol string, prices []float64) {
	ctx := context.Background()
	for i, p := range prices {
		s.Observe(ctx, domain.PriceTick{
			Symbol:    symbol,
			Price:     p,
			Sequence:  int64(i + 1),
			EventTime: time.Now(),
		})
	}
}

func TestNewRejectsBadWindows(t *testing.T) {
	_, err := New(Config{ShortWindow: 10, LongWindow: 5, RSIWindow: 5, RSIOverbought: 70, RSIOversold: 30}, nopLogger{})
	assert.Error(t, err)

	_, err = New(Config{ShortWindow: 3, LongWindow: 8, RSIWindow: 5, RSIOverbought: 20, RSIOversold: 30}, nopLogger{})
	assert.Error(t, err)
}

func TestScoreNeedsWarmup(t *testing.T) {
	s, err := New(testConfig(), nopLogger{})
	require.NoError(t, err)
	feed(s, "ETHUSDT", []float64{100, 101})

	_, err = s.Score(context.Background(), "ETHUSDT", 101, 0)
	assert.Error(t, err)
}

func TestScoreUptrendIsLong(t *testing.T) {
	s, err := New(testConfig(), nopLogger{})
	require.NoError(t, err)
	// Rising with pullbacks so the RSI stays off its overbought level.
	feed(s, "ETHUSDT", []float64{100, 101, 100.4, 101.4, 100.8, 101.8, 101.2, 102.2, 101.6, 102.6})

	score, err := s.Score(context.Background(), "ETHUSDT", 102.6, 0.002)
	require.NoError(t, err)
	assert.Equal(t, domain.Long, score.Direction)
	assert.Greater(t, score.Confidence, 0.0)
	assert.LessOrEqual(t, score.Confidence, 1.0)
}

func TestScoreDowntrendIsShort(t *testing.T) {
	s, err := New(testConfig(), nopLogger{})
	require.NoError(t, err)
	feed(s, "ETHUSDT", []float64{105, 104, 104.6, 103.6, 104.2, 103.2, 103.8, 102.8, 103.4, 102.4})

	score, err := s.Score(context.Background(), "ETHUSDT", 102.4, 0.002)
	require.NoError(t, err)
	assert.Equal(t, domain.Short, score.Direction)
	assert.Greater(t, score.Confidence, 0.0)
}

func TestScoreFlatMarketHasNoCandidate(t *testing.T) {
	s, err := New(testConfig(), nopLogger{})
	require.NoError(t, err)
	feed(s, "ETHUSDT", []float64{100, 100, 100, 100, 100, 100, 100, 100, 100, 100})

	score, err := s.Score(context.Background(), "ETHUSDT", 100, 0.002)
	require.NoError(t, err)
	assert.Zero(t, score.Confidence)
}

func TestRealizedVol(t *testing.T) {
	s, err := New(testConfig(), nopLogger{})
	require.NoError(t, err)

	assert.Zero(t, s.RealizedVol("ETHUSDT"))

	feed(s, "ETHUSDT", []float64{100, 101, 100, 101, 100, 101, 100, 101})
	assert.Greater(t, s.RealizedVol("ETHUSDT"), 0.0)
}

func TestTrendContinuation(t *testing.T) {
	s, err := New(testConfig(), nopLogger{})
	require.NoError(t, err)
	feed(s, "ETHUSDT", []float64{100, 100.5, 101, 101.5, 102, 102.5, 103, 103.5, 104, 104.5})

	ctx := context.Background()
	assert.True(t, s.TrendContinuation(ctx, "ETHUSDT", domain.Long, 105))
	assert.False(t, s.TrendContinuation(ctx, "ETHUSDT", domain.Short, 105))
	// Price back below the short average no longer confirms the long.
	assert.False(t, s.TrendContinuation(ctx, "ETHUSDT", domain.Long, 100))
}

func TestObserveDropsInvalidTicks(t *testing.T) {
	s, err := New(testConfig(), nopLogger{})
	require.NoError(t, err)
	feed(s, "ETHUSDT", []float64{0, -5})

	assert.Zero(t, s.RealizedVol("ETHUSDT"))
}
