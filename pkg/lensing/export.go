package lensing

import (
	"context"
	"fmt"
	"time"

	skysim "github.com/cmbs4/skysim_go/pkg"
	"github.com/cmbs4/skysim_go/pkg/sht"
)

// Sink stores the exported expansions of each simulation index.
type Sink interface {
	HasTEB(idx int) (bool, error)
	HasConvergence(idx int) (bool, error)
	WriteTEB(idx int, t, e, b sht.Alm) error
	WriteConvergence(idx int, kappa sht.Alm) error
}

// Exporter writes the lensed expansions and convergence fields of a range of
// simulation indices, leaving existing outputs untouched.
type Exporter struct {
	Builder    *Builder
	Sink       Sink
	Lmax       int
	BeamArcmin float64
	Logger     skysim.Logger
}

// ExportSummary counts what a Run did.
type ExportSummary struct {
	TEBWritten   int
	KappaWritten int
	Existing     int
	OutOfRange   int
}

// Run exports indices imin..imax inclusive. Indices outside [0, MaxIndex] are
// skipped; an imax below imin selects nothing.
func (x *Exporter) Run(ctx context.Context, imin, imax int) (ExportSummary, error) {
	logger := x.Logger
	if logger == nil {
		logger = skysim.NopLogger()
	}
	var sum ExportSummary
	for idx := imin; idx <= imax; idx++ {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if idx < 0 || idx > MaxIndex {
			sum.OutOfRange++
			continue
		}

		done, err := x.Sink.HasTEB(idx)
		if err != nil {
			return sum, err
		}
		if done {
			sum.Existing++
		} else {
			start := time.Now()
			teb, err := x.Builder.BuildLensedRealization(ctx, idx, x.Lmax, x.BeamArcmin)
			if err != nil {
				return sum, err
			}
			if err := x.Sink.WriteTEB(idx, teb.T, teb.E, teb.B); err != nil {
				return sum, fmt.Errorf("writing lensed expansions of %d: %w", idx, err)
			}
			sum.TEBWritten++
			logger.Info(fmt.Sprintf("Simulation %04d done in %.1f sec", idx, time.Since(start).Seconds()), "export")
		}

		done, err = x.Sink.HasConvergence(idx)
		if err != nil {
			return sum, err
		}
		if done {
			sum.Existing++
			continue
		}
		klm, err := x.Builder.BuildConvergenceField(idx)
		if err != nil {
			return sum, err
		}
		if err := x.Sink.WriteConvergence(idx, klm); err != nil {
			return sum, fmt.Errorf("writing convergence of %d: %w", idx, err)
		}
		sum.KappaWritten++
	}
	logger.Info(fmt.Sprintf("Export %d..%d: %d lensed, %d convergence written, %d outputs already on disk",
		imin, imax, sum.TEBWritten, sum.KappaWritten, sum.Existing), "export")
	return sum, nil
}
