package core_test

import (
	"testing"
	"time"

	"distribute/core"

	"github.com/stretchr/testify/assert"
)

func TestReleaseInfo_SupportsOS(t *testing.T) {
	tests := []struct {
		minOS   string
		running string
		want    bool
	}{
		{"", "6.1.0", true},
		{"5.0", "6.1.0", true},
		{"6.1.0", "6.1.0", true},
		{"7.0", "6.1.0", false},
		{"not-a-version", "6.1.0", true},
		{"7.0", "", true},
	}

	for _, tt := range tests {
		r := &core.ReleaseInfo{MinOSVersion: tt.minOS}
		assert.Equal(t, tt.want, r.SupportsOS(tt.running), "min %q running %q", tt.minOS, tt.running)
	}
}

func TestPostponeMarker_Active(t *testing.T) {
	indefinite := &core.PostponeMarker{ReleaseID: 42}
	assert.True(t, indefinite.Indefinite())
	assert.True(t, indefinite.Active(t0.Add(365*24*time.Hour)))

	week := &core.PostponeMarker{ReleaseID: 42, Until: t0.Add(7 * 24 * time.Hour)}
	assert.True(t, week.Active(t0))
	assert.False(t, week.Active(t0.Add(7*24*time.Hour)))
}

func TestCorrelationRequest_Expired(t *testing.T) {
	req := &core.CorrelationRequest{ID: "abc123", CreatedAt: t0, ExpiresAfter: 10 * time.Minute}
	assert.False(t, req.Expired(t0.Add(9*time.Minute)))
	assert.True(t, req.Expired(t0.Add(10*time.Minute)))
}
