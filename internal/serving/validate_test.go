package serving

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/classify-api/internal/model"
)

func TestValidate(t *testing.T) {
	md := model.Metadata{Name: "rf", FeatureCount: 3}
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))

	tests := []struct {
		name    string
		req     Request
		md      model.Metadata
		wantErr bool
		row     int
	}{
		{name: "valid", req: Request{Rows: [][]float32{{1, 2, 3}, {4, 5, 6}}}, md: md},
		{name: "valid with ttl", req: Request{Rows: [][]float32{{1, 2, 3}}, CacheTTL: 86400}, md: md},
		{name: "unknown width accepts any", req: Request{Rows: [][]float32{{1, 2}}}, md: model.Metadata{}},
		{name: "no rows", req: Request{}, md: md, wantErr: true, row: -1},
		{name: "empty row", req: Request{Rows: [][]float32{{}}}, md: md, wantErr: true, row: 0},
		{name: "ragged", req: Request{Rows: [][]float32{{1, 2, 3}, {1, 2}}}, md: md, wantErr: true, row: 1},
		{name: "ragged unknown width", req: Request{Rows: [][]float32{{1}, {1, 2}}}, md: model.Metadata{}, wantErr: true, row: 1},
		{name: "wrong width", req: Request{Rows: [][]float32{{1, 2}}}, md: md, wantErr: true, row: 0},
		{name: "nan", req: Request{Rows: [][]float32{{1, 2, 3}, {1, nan, 3}}}, md: md, wantErr: true, row: 1},
		{name: "inf", req: Request{Rows: [][]float32{{inf, 2, 3}}}, md: md, wantErr: true, row: 0},
		{name: "ttl too large", req: Request{Rows: [][]float32{{1, 2, 3}}, CacheTTL: 86401}, md: md, wantErr: true, row: -1},
		{name: "ttl negative", req: Request{Rows: [][]float32{{1, 2, 3}}, CacheTTL: -1}, md: md, wantErr: true, row: -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.req, tt.md)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var sm *ShapeMismatchError
			require.ErrorAs(t, err, &sm)
			assert.Equal(t, tt.row, sm.Row)
		})
	}
}

func TestShapeMismatchMessage(t *testing.T) {
	err := Validate(Request{Rows: [][]float32{{1, 2}}}, model.Metadata{FeatureCount: 4})
	assert.EqualError(t, err, "invalid input at row 0: expected 4 features, got 2")
}

func TestRequestTTL(t *testing.T) {
	assert.Equal(t, time.Hour, Request{}.TTL(0))
	assert.Equal(t, 2*time.Minute, Request{}.TTL(120))
	assert.Equal(t, 10*time.Second, Request{CacheTTL: 10}.TTL(120))
}
