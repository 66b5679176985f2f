package lensing

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	skysim "github.com/cmbs4/skysim_go/pkg"
	"github.com/cmbs4/skysim_go/pkg/sht"
)

const unlensedLmax = 64

func filled(lmax int, v complex128) sht.Alm {
	a := sht.NewAlm(lmax, lmax)
	for i := range a.Coeffs {
		a.Coeffs[i] = v
	}
	return a
}

type fakeProvider struct {
	deflectionCalls int
	tensorCalls     int
	fail            error
}

func (p *fakeProvider) Lmax() int { return unlensedLmax }

func (p *fakeProvider) DeflectionAlm(idx int) (sht.Alm, error) {
	p.deflectionCalls++
	if p.fail != nil {
		return sht.Alm{}, p.fail
	}
	return filled(unlensedLmax, complex(2, -2)), nil
}

func (p *fakeProvider) TLM(idx int) (sht.Alm, error) {
	return filled(unlensedLmax, complex(float64(idx), 1)), nil
}

func (p *fakeProvider) ELM(idx int) (sht.Alm, error) {
	return filled(unlensedLmax, 3), nil
}

func (p *fakeProvider) TensorAlms(idx int, r float64) (sht.Alm, sht.Alm, sht.Alm, error) {
	p.tensorCalls++
	return filled(unlensedLmax, complex(r, 0)), filled(unlensedLmax, complex(2*r, 0)), filled(unlensedLmax, complex(3*r, 0)), nil
}

// truncRemapper returns the input truncated to the output bounds and a zero
// curl part.
type truncRemapper struct {
	spins []int
}

func (r *truncRemapper) Lens(_ context.Context, _, alm sht.Alm, spin, lmaxOut, mmaxOut int) ([]sht.Alm, error) {
	r.spins = append(r.spins, spin)
	out := alm.Copy(lmaxOut, mmaxOut)
	if spin == 0 {
		return []sht.Alm{out}, nil
	}
	return []sht.Alm{out, sht.NewAlm(lmaxOut, mmaxOut)}, nil
}

func newTestBuilder(t *testing.T) (*Builder, *fakeProvider, *truncRemapper) {
	t.Helper()
	p := &fakeProvider{}
	r := &truncRemapper{}
	b, err := NewBuilder(p, r, nil)
	require.NoError(t, err)
	return b, p, r
}

func TestLensedRealizationOddIndexHasNoTensors(t *testing.T) {
	b, p, r := newTestBuilder(t)
	teb, err := b.BuildLensedRealization(context.Background(), 3, 32, 0)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 2}, r.spins)
	assert.Equal(t, 0, p.tensorCalls)
	assert.Equal(t, 32, teb.T.Lmax)
	assert.Equal(t, complex(3, 1), teb.T.At(10, 4))
	assert.Equal(t, complex(3, 0), teb.E.At(32, 32))
	assert.Equal(t, complex(0, 0), teb.B.At(5, 2))
}

func TestLensedRealizationEvenIndexAddsTensors(t *testing.T) {
	b, p, _ := newTestBuilder(t)
	teb, err := b.BuildLensedRealization(context.Background(), 4, 32, 0)
	require.NoError(t, err)

	assert.Equal(t, 1, p.tensorCalls)
	assert.InDelta(t, 4+TensorRatio, real(teb.T.At(7, 3)), 1e-15)
	assert.InDelta(t, 3+2*TensorRatio, real(teb.E.At(7, 3)), 1e-15)
	assert.InDelta(t, 3*TensorRatio, real(teb.B.At(7, 3)), 1e-15)
}

func TestLensedRealizationAppliesBeam(t *testing.T) {
	b, _, _ := newTestBuilder(t)
	const beam = 30.0
	teb, err := b.BuildLensedRealization(context.Background(), 1, 48, beam)
	require.NoError(t, err)

	bt := skysim.GaussBeam(beam, 48, false)
	bp := skysim.GaussBeam(beam, 48, true)
	for _, l := range []int{2, 20, 48} {
		assert.InDelta(t, bt[l], imag(teb.T.At(l, 1)), 1e-12)
		assert.InDelta(t, 3*bp[l], real(teb.E.At(l, 2)), 1e-12)
	}
	assert.Greater(t, bp[48], bt[48])
}

func TestConvergenceField(t *testing.T) {
	b, p, _ := newTestBuilder(t)
	klm, err := b.BuildConvergenceField(10)
	require.NoError(t, err)
	assert.Equal(t, 1, p.deflectionCalls)
	assert.Equal(t, unlensedLmax, klm.Lmax)

	assert.Equal(t, complex(0, 0), klm.At(0, 0))
	for _, l := range []int{1, 2, 64} {
		f := math.Sqrt(float64(l*(l+1))) / 2
		assert.InDelta(t, 2*f, real(klm.At(l, 1)), 1e-12)
		assert.InDelta(t, -2*f, imag(klm.At(l, 1)), 1e-12)
	}
}

func TestBuilderRejectsBadInput(t *testing.T) {
	b, p, _ := newTestBuilder(t)
	ctx := context.Background()

	_, err := b.BuildLensedRealization(ctx, MaxIndex+1, 32, 0)
	assert.ErrorIs(t, err, skysim.ErrConfiguration)
	_, err = b.BuildLensedRealization(ctx, 1, unlensedLmax+1, 0)
	assert.ErrorIs(t, err, skysim.ErrConfiguration)
	_, err = b.BuildLensedRealization(ctx, 1, 32, -1)
	assert.ErrorIs(t, err, skysim.ErrConfiguration)
	_, err = b.BuildConvergenceField(-1)
	assert.ErrorIs(t, err, skysim.ErrConfiguration)

	p.fail = errors.New("sim missing")
	_, err = b.BuildConvergenceField(2)
	assert.ErrorIs(t, err, p.fail)

	_, err = NewBuilder(nil, &truncRemapper{}, nil)
	assert.ErrorIs(t, err, skysim.ErrConfiguration)
}

type memSink struct {
	teb   map[int]TEB
	kappa map[int]sht.Alm
}

func newMemSink() *memSink {
	return &memSink{teb: make(map[int]TEB), kappa: make(map[int]sht.Alm)}
}

func (s *memSink) HasTEB(idx int) (bool, error) {
	_, ok := s.teb[idx]
	return ok, nil
}

func (s *memSink) HasConvergence(idx int) (bool, error) {
	_, ok := s.kappa[idx]
	return ok, nil
}

func (s *memSink) WriteTEB(idx int, t, e, b sht.Alm) error {
	s.teb[idx] = TEB{T: t, E: e, B: b}
	return nil
}

func (s *memSink) WriteConvergence(idx int, kappa sht.Alm) error {
	s.kappa[idx] = kappa
	return nil
}

func TestExporterSkipsExistingAndOutOfRange(t *testing.T) {
	b, p, _ := newTestBuilder(t)
	sink := newMemSink()
	sink.teb[1] = TEB{}
	sink.kappa[2] = sht.Alm{}
	x := &Exporter{Builder: b, Sink: sink, Lmax: 16}

	sum, err := x.Run(context.Background(), -2, 2)
	require.NoError(t, err)
	assert.Equal(t, ExportSummary{TEBWritten: 2, KappaWritten: 2, Existing: 2, OutOfRange: 2}, sum)
	assert.Len(t, sink.teb, 3)
	assert.Len(t, sink.kappa, 3)
	assert.Equal(t, sht.Alm{}, sink.kappa[2])
	assert.Equal(t, 16, sink.teb[0].E.Lmax)
	// Two lensed builds and two convergence builds.
	assert.Equal(t, 4, p.deflectionCalls)

	sum, err = x.Run(context.Background(), 498, 501)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.OutOfRange)
	assert.Equal(t, 2, sum.TEBWritten)

	sum, err = x.Run(context.Background(), 0, -1)
	require.NoError(t, err)
	assert.Equal(t, ExportSummary{}, sum)
}

func TestExporterStopsOnCancel(t *testing.T) {
	b, _, _ := newTestBuilder(t)
	sink := newMemSink()
	x := &Exporter{Builder: b, Sink: sink, Lmax: 16}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := x.Run(ctx, 0, 10)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sink.teb)
}

func TestUnlensedRemapper(t *testing.T) {
	ctx := context.Background()
	in := filled(unlensedLmax, complex(1, 2))

	out, err := Unlensed{}.Lens(ctx, sht.Alm{}, in, 0, 10, 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 10, out[0].Lmax)
	assert.Equal(t, complex(1, 2), out[0].At(10, 10))

	out, err = Unlensed{}.Lens(ctx, sht.Alm{}, in, 2, 10, 10)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, complex(0, 0), out[1].At(3, 1))

	_, err = Unlensed{}.Lens(ctx, sht.Alm{}, in, 1, 10, 10)
	assert.ErrorIs(t, err, skysim.ErrConfiguration)
	_, err = Unlensed{}.Lens(ctx, sht.Alm{}, in, 0, unlensedLmax+1, unlensedLmax+1)
	assert.ErrorIs(t, err, skysim.ErrConfiguration)

	b, err := NewBuilder(&fakeProvider{}, Unlensed{}, nil)
	require.NoError(t, err)
	teb, err := b.BuildLensedRealization(ctx, 5, 20, 0)
	require.NoError(t, err)
	assert.Equal(t, complex(5, 1), teb.T.At(20, 0))
}
