package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	skysim "github.com/cmbs4/skysim_go/pkg"
	"github.com/cmbs4/skysim_go/pkg/h5io"
	"github.com/cmbs4/skysim_go/pkg/healpix"
)

// captureLogs redirects the package logger for the duration of the test.
func captureLogs(t *testing.T) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	saved := logger
	logger = NewLogger(&stdout, &stderr)
	t.Cleanup(func() {
		logger = saved
		VerbosityLevel = 0
	})
	return &stdout, &stderr
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "skysim.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoggerFormat(t *testing.T) {
	stdout, stderr := captureLogs(t)

	logger.Info("hello", "config")
	logger.Warn("careful", "compose")
	logger.Error("boom")

	lines := strings.Split(strings.TrimSuffix(stdout.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Regexp(t, regexp.MustCompile(`^\[\d{4}/\d\d/\d\d \d\d:\d\d:\d\d\] \[config\] hello$`), lines[0])
	assert.Regexp(t, regexp.MustCompile(`^\[[^]]+\] \[WARN\] \[compose\] careful$`), lines[1])

	assert.Contains(t, stderr.String(), `"level":"ERROR"`)
	assert.Contains(t, stderr.String(), `"msg":"boom"`)
}

func TestHandlerKeepsAttrs(t *testing.T) {
	var out bytes.Buffer
	l := NewLogger(&out, &out).InfoLog.With("module", "workers")
	l.Info("started", "id", 3)
	assert.True(t, strings.HasSuffix(out.String(), "[workers] [3] started\n"), out.String())
}

func TestParamsCommand(t *testing.T) {
	captureLogs(t)
	out, err := execute(t, "params", "90", "150")
	require.NoError(t, err)

	interp, err := skysim.NewInterpolator(skysim.DefaultInstrument().Reference)
	require.NoError(t, err)
	p, err := interp.Params(150, skysim.FieldPolarization)
	require.NoError(t, err)
	assert.Contains(t, out, fmt.Sprintf("%8g %5s %10.2f %8.4f\n", 150.0, skysim.FieldPolarization, p.Knee, p.Alpha))
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 5)

	_, err = execute(t, "params", "ninety")
	assert.ErrorIs(t, err, skysim.ErrConfiguration)
	_, err = execute(t, "params")
	assert.Error(t, err)
}

func TestSpectraCommand(t *testing.T) {
	captureLogs(t)
	out, err := execute(t, "spectra", "150", "--lmax", "10", "--deconvolve=false")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 12)
	inst := skysim.DefaultInstrument()
	interp, err := skysim.NewInterpolator(inst.Reference)
	require.NoError(t, err)
	clI, clP, err := skysim.NoiseSpectra(inst, interp, 150, 10, false)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d %.6e %.6e", 5, clI[5], clP[5]), lines[6])

	_, err = execute(t, "spectra", "151")
	var unsupported *skysim.ErrUnsupportedChannel
	assert.ErrorAs(t, err, &unsupported)
}

func TestConfigurationFlag(t *testing.T) {
	stdout, _ := captureLogs(t)
	path := writeConfig(t, "verbosity: 1\nchannels: [90]\n")
	_, err := execute(t, "params", "--config", path, "90")
	require.NoError(t, err)
	assert.Contains(t, stdout.String(), "Reading configuration file: "+path)
	assert.Contains(t, stdout.String(), "[config] Channels: [90]")
	assert.Equal(t, []int{90}, configuration.Channels)

	stdout.Reset()
	_, err = execute(t, "params", "--config", path, "-v", "0", "90")
	require.NoError(t, err)
	assert.Empty(t, stdout.String())

	_, err = execute(t, "params", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "90")
	var openErr *skysim.ErrOpenFile
	assert.ErrorAs(t, err, &openErr)
}

// writeCovariance stores a covariance file with the given variance on every
// diagonal element and no correlations.
func writeCovariance(t *testing.T, dir string, ch, nside int, variance float64) {
	t.Helper()
	npix := healpix.NsideToNpix(nside)
	fields := make([][]float64, 6)
	for i := range fields {
		fields[i] = make([]float64, npix)
		if skysim.StokesPair(i).IsVariance() {
			for p := range fields[i] {
				fields[i][p] = variance
			}
		}
	}
	require.NoError(t, h5io.WriteMapFile(filepath.Join(dir, fmt.Sprintf("cov_%03d.h5", ch)), fields, 1))
}

func TestNlevCommand(t *testing.T) {
	captureLogs(t)
	dir := t.TempDir()
	writeCovariance(t, dir, 90, 8, 4e-12)
	path := writeConfig(t, fmt.Sprintf("cov_dir: %s\nnative_nside: 8\nchannels: [90]\n", dir))

	out, err := execute(t, "nlev", "--config", path, "--pair", "QQ")
	require.NoError(t, err)
	want := 2 * math.Sqrt(healpix.PixelAreaArcmin2(8))
	assert.Equal(t, fmt.Sprintf(" 90 GHz QQ %8.3f uK.arcmin\n", want), out)

	_, err = execute(t, "nlev", "--config", path, "--pair", "QU")
	var pairErr *skysim.ErrInvalidStokesPair
	assert.ErrorAs(t, err, &pairErr)
	_, err = execute(t, "nlev", "--config", path, "150")
	var unsupported *skysim.ErrUnsupportedChannel
	assert.ErrorAs(t, err, &unsupported)
}

func TestNoiseCommand(t *testing.T) {
	captureLogs(t)
	dir := t.TempDir()
	writeCovariance(t, dir, 90, 8, 4e-12)
	writeCovariance(t, dir, 150, 8, 1e-12)
	out := filepath.Join(dir, "noise.h5")
	metrics := filepath.Join(dir, "skysim.prom")
	path := writeConfig(t, fmt.Sprintf(`cov_dir: %s
native_nside: 8
channels: [90, 150]
nside: 4
lmax: 8
num_workers: 2
sht_threads: 1
metrics_file: %s
`, dir, metrics))

	_, err := execute(t, "noise", "--config", path, "--seed-min", "3", "--seed-max", "4", "-o", out)
	require.NoError(t, err)

	catalog, err := h5io.ReadCatalog(out)
	require.NoError(t, err)
	require.Len(t, catalog, 4)
	seen := make(map[[2]int]bool)
	for _, row := range catalog {
		assert.Equal(t, 4, row.Nside)
		assert.Equal(t, skysim.VariantCorrelated, row.Variant)
		seen[[2]int{int(row.Channel), int(row.Seed)}] = true
	}
	assert.Len(t, seen, 4)
	assert.True(t, seen[[2]int{150, 4}])

	prom, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `skysim_realizations_total{channel="90",variant="correlated"} 2`)

	_, err = execute(t, "noise", "--config", path, "--channel", "95", "-o", filepath.Join(dir, "bad.h5"))
	var unsupported *skysim.ErrUnsupportedChannel
	assert.ErrorAs(t, err, &unsupported)
}

type fakeComposer struct {
	failSeed  uint64
	panicSeed uint64
}

func (f *fakeComposer) ComposeNoiseRealization(ctx context.Context, ch skysim.Channel, seed uint64, nside, lmax int, _ ...skysim.ComposeOption) (*skysim.NoiseRealization, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch seed {
	case f.failSeed:
		return nil, skysim.ErrDataIntegrity
	case f.panicSeed:
		panic("corrupt covariance")
	}
	return &skysim.NoiseRealization{Channel: ch, Seed: seed, Nside: nside, Lmax: lmax}, nil
}

type fakeWriter struct {
	mu      sync.Mutex
	written []WorkerData
	failAt  int
}

func (w *fakeWriter) WriteRealization(r *skysim.NoiseRealization) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failAt > 0 && len(w.written) == w.failAt {
		return errors.New("disk full")
	}
	w.written = append(w.written, WorkerData{Channel: r.Channel, Seed: r.Seed})
	return nil
}

func TestRunPool(t *testing.T) {
	_, stderr := captureLogs(t)
	composer := &fakeComposer{failSeed: 2, panicSeed: 3}
	writer := &fakeWriter{}
	p := poolParams{Workers: 3, Channels: []skysim.Channel{90, 150}, SeedMin: 0, SeedMax: 4, Nside: 4, Lmax: 8}

	sum, err := runPool(context.Background(), composer, writer, p)
	require.NoError(t, err)
	assert.Equal(t, poolSummary{Written: 6, Failed: 4}, sum)
	assert.ElementsMatch(t, []WorkerData{
		{90, 0}, {150, 0}, {90, 1}, {150, 1}, {90, 4}, {150, 4},
	}, writer.written)
	assert.Contains(t, stderr.String(), "recovered from panic on channel 90 seed 3")
}

func TestRunPoolStopsOnWriteError(t *testing.T) {
	captureLogs(t)
	writer := &fakeWriter{failAt: 2}
	p := poolParams{Workers: 2, Channels: []skysim.Channel{90}, SeedMin: 10, SeedMax: 100, Nside: 4, Lmax: 8}

	sum, err := runPool(context.Background(), &fakeComposer{failSeed: 1000, panicSeed: 1001}, writer, p)
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, 2, sum.Written)
}

func TestRunPoolCanceled(t *testing.T) {
	captureLogs(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	writer := &fakeWriter{}
	p := poolParams{Workers: 2, Channels: []skysim.Channel{90}, SeedMin: 0, SeedMax: 50, Nside: 4, Lmax: 8}

	_, err := runPool(ctx, &fakeComposer{failSeed: 1000, panicSeed: 1001}, writer, p)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, writer.written)

	_, err = runPool(context.Background(), &fakeComposer{}, writer, poolParams{Workers: 0})
	assert.ErrorIs(t, err, skysim.ErrConfiguration)
}

func TestServeMetrics(t *testing.T) {
	stdout, _ := captureLogs(t)
	reg := prometheus.NewRegistry()
	metrics, err := skysim.NewMetrics(reg)
	require.NoError(t, err)
	metrics.Realizations.WithLabelValues("90", "legacy").Inc()

	stop, err := serveMetrics(reg, "")
	require.NoError(t, err)
	stop()
	assert.Empty(t, stdout.String())

	stop, err = serveMetrics(reg, "127.0.0.1:0")
	require.NoError(t, err)
	defer stop()
	m := regexp.MustCompile(`Serving metrics on (\S+)`).FindStringSubmatch(stdout.String())
	require.Len(t, m, 2)

	resp, err := http.Get("http://" + m[1] + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `skysim_realizations_total{channel="90",variant="legacy"} 1`)
}
