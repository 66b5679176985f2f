package skysim

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracingWritesComposeSpans(t *testing.T) {
	out := filepath.Join(t.TempDir(), "spans.json")
	ctx := context.Background()
	shutdown, err := InitTracing(ctx, TracingConfig{Enabled: true, ServiceName: "skysim-test", Output: out}, nil)
	require.NoError(t, err)
	defer func() {
		_, err := InitTracing(ctx, TracingConfig{}, nil)
		require.NoError(t, err)
	}()

	store := newMemStore()
	store.files["sim/cov_150.h5"] = covFields(8, constCov(1, 4, 9, 3))
	opts := DefaultAdapterOptions([]Channel{150})
	opts.NativeNside = 8
	adapter, err := NewCovarianceAdapter(store, DefaultCovariancePaths("sim"), opts)
	require.NoError(t, err)
	c, err := NewComposer(DefaultInstrument(), adapter, constTransform{})
	require.NoError(t, err)

	_, err = c.ComposeNoiseRealization(ctx, 150, math.MaxUint64, 8, 8)
	require.NoError(t, err)
	require.NoError(t, shutdown(ctx))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	for _, name := range []string{"ComposeNoiseRealization", "LoadCovariance", "SynthesizeRed", "WhiteNoise", "band_pixels", "skysim-test"} {
		assert.Contains(t, string(data), name)
	}
	// Seeds above the int64 range keep their unsigned value.
	assert.Contains(t, string(data), "18446744073709551615")
}

func TestTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{}, nil)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	_, err = InitTracing(context.Background(), TracingConfig{Enabled: true, Output: filepath.Join(t.TempDir(), "no", "such", "dir.json")}, nil)
	var openErr *ErrOpenFile
	assert.ErrorAs(t, err, &openErr)
}
