package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func TestClamp(t *testing.T) {
	assert.True(t, Clamp(d("0.10"), d("0.30"), d("30.00")).Equal(d("0.30")))
	assert.True(t, Clamp(d("50.00"), d("0.30"), d("30.00")).Equal(d("30.00")))
	assert.True(t, Clamp(d("5.00"), d("0.30"), d("30.00")).Equal(d("5.00")))
}

func TestRoundUpToIncrement(t *testing.T) {
	cases := []struct {
		seconds, increment, want int64
	}{
		{0, 6, 0},
		{-5, 6, 0},
		{1, 6, 6},
		{6, 6, 6},
		{7, 6, 12},
		{30, 6, 30},
		{61, 60, 120},
	}

	for _, c := range cases {
		got := RoundUpToIncrement(c.seconds, c.increment)
		assert.Equal(t, c.want, got, "seconds=%d increment=%d", c.seconds, c.increment)
	}
}

func TestRound(t *testing.T) {
	assert.True(t, Round(d("1.23456")).Equal(d("1.2346")))
}
