package http

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/v1/corpora/:id", "/api/v1/corpora/:id"},
		{"/api/v1/queue/:requestID", "/api/v1/queue/:id"},
		{"/health", "/health"},
		{"", "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizePath(tt.path), tt.path)
	}
}

func TestMetricsMiddlewarePassesThrough(t *testing.T) {
	// Instruments are no-ops without a meter provider; the middleware must
	// still pass requests through untouched.
	fx := setupTestServer(t)

	rec := fx.do("GET", "/health", nil)
	assert.Equal(t, 200, rec.Code)

	m := NewMetrics(zap.NewNop())
	assert.NotNil(t, m.Middleware())
}
