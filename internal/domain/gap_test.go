package domain_test

import (
	"math/rand"
	"testing"

	"github.com/alejandrodnm/realitygap/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestRealityGap_Sign(t *testing.T) {
	assert.InDelta(t, 2.78, domain.RealityGap(25.12, 22.34), 1e-9)
	assert.InDelta(t, -4.5, domain.RealityGap(1.5, 6.0), 1e-9)
	assert.Equal(t, 0.0, domain.RealityGap(3.3, 3.3))
}

func TestRealityGap_IsExactDifference(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 1000; i++ {
		opt := r.Float64()*200 - 100
		bt := r.Float64()*200 - 100
		assert.Equal(t, opt-bt, domain.RealityGap(opt, bt))
	}
}

func TestClassifyGap_Boundaries(t *testing.T) {
	th := domain.DefaultThresholds()
	tests := []struct {
		gap  float64
		want domain.GapClass
	}{
		{5.0, domain.GapAcceptable},
		{5.0000001, domain.GapOverfitRisk},
		{-2.0, domain.GapAcceptable},
		{-2.0000001, domain.GapUnderoptimized},
		{0, domain.GapAcceptable},
		{2.78, domain.GapAcceptable},
		{42, domain.GapOverfitRisk},
		{-10, domain.GapUnderoptimized},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, domain.ClassifyGap(tt.gap, th), "gap=%v", tt.gap)
	}
}

func TestClassifyGap_CustomThresholds(t *testing.T) {
	th := domain.Thresholds{High: 1, Low: -1}
	assert.Equal(t, domain.GapOverfitRisk, domain.ClassifyGap(1.5, th))
	assert.Equal(t, domain.GapAcceptable, domain.ClassifyGap(1, th))
	assert.Equal(t, domain.GapUnderoptimized, domain.ClassifyGap(-1.5, th))
}

func TestClassifyGap_NeverNotComparable(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	th := domain.DefaultThresholds()
	for i := 0; i < 500; i++ {
		c := domain.ClassifyGap(r.Float64()*40-20, th)
		assert.NotEqual(t, domain.GapNotComparable, c)
	}
}
