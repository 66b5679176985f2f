package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	skysim "github.com/cmbs4/skysim_go/pkg"
)

type realizationComposer interface {
	ComposeNoiseRealization(ctx context.Context, ch skysim.Channel, seed uint64, nside, lmax int, opts ...skysim.ComposeOption) (*skysim.NoiseRealization, error)
}

type realizationWriter interface {
	WriteRealization(r *skysim.NoiseRealization) error
}

type WorkerData struct {
	Channel skysim.Channel
	Seed    uint64
}

type WorkerResult struct {
	Job         WorkerData
	Realization *skysim.NoiseRealization
	Err         error
}

type poolParams struct {
	Workers  int
	Channels []skysim.Channel
	SeedMin  uint64
	SeedMax  uint64
	Nside    int
	Lmax     int
	Options  []skysim.ComposeOption
}

type poolSummary struct {
	Written int
	Failed  int
}

func worker(ctx context.Context, id int, composer realizationComposer, p poolParams, jobs <-chan WorkerData, results chan<- WorkerResult) {
	for job := range jobs {
		if VerbosityLevel > 1 {
			logger.Info(fmt.Sprintf("Worker %d processing channel %d seed %d", id, job.Channel, job.Seed), "workers")
		}
		results <- processJob(ctx, id, composer, p, job)
	}
}

func processJob(ctx context.Context, id int, composer realizationComposer, p poolParams, job WorkerData) (res WorkerResult) {
	defer func() {
		if r := recover(); r != nil {
			res = WorkerResult{Job: job, Err: fmt.Errorf("worker %d recovered from panic on channel %d seed %d: %v", id, job.Channel, job.Seed, r)}
		}
	}()
	r, err := composer.ComposeNoiseRealization(ctx, job.Channel, job.Seed, p.Nside, p.Lmax, p.Options...)
	return WorkerResult{Job: job, Realization: r, Err: err}
}

// sendJobsToWorkers queues every (seed, channel) pair, seeds outermost.
func sendJobsToWorkers(ctx context.Context, p poolParams, jobs chan<- WorkerData) {
	defer close(jobs)
	for seed := p.SeedMin; seed <= p.SeedMax; seed++ {
		for _, ch := range p.Channels {
			select {
			case <-ctx.Done():
				return
			case jobs <- WorkerData{Channel: ch, Seed: seed}:
			}
		}
		if seed == p.SeedMax {
			break
		}
	}
}

func processWorkerResults(results <-chan WorkerResult, writer realizationWriter) (poolSummary, error) {
	var sum poolSummary
	var totalTime time.Duration
	for res := range results {
		if res.Err != nil {
			logger.Error(fmt.Errorf("discarding channel %d seed %d: %w", res.Job.Channel, res.Job.Seed, res.Err).Error())
			sum.Failed++
			continue
		}
		start := time.Now()
		if err := writer.WriteRealization(res.Realization); err != nil {
			return sum, fmt.Errorf("error writing channel %d seed %d: %w", res.Job.Channel, res.Job.Seed, err)
		}
		totalTime += time.Since(start)
		sum.Written++
		if VerbosityLevel > 0 {
			logger.Info(fmt.Sprintf("Written channel %d seed %d (%d flagged pixels)",
				res.Job.Channel, res.Job.Seed, res.Realization.Report.FlaggedPixels), "workers")
		}
	}
	if VerbosityLevel > 0 {
		logger.Info(fmt.Sprintf("Total time writing: %d ms", totalTime.Milliseconds()), "workers")
	}
	return sum, nil
}

// runPool composes every job on p.Workers goroutines and writes the results
// from the calling goroutine. A write error stops the pool.
func runPool(ctx context.Context, composer realizationComposer, writer realizationWriter, p poolParams) (poolSummary, error) {
	if p.Workers < 1 {
		return poolSummary{}, fmt.Errorf("%w: num_workers must be at least 1", skysim.ErrConfiguration)
	}
	if p.SeedMax < p.SeedMin {
		return poolSummary{}, fmt.Errorf("%w: seed_max %d below seed_min %d", skysim.ErrConfiguration, p.SeedMax, p.SeedMin)
	}
	poolCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan WorkerData, p.Workers)
	results := make(chan WorkerResult, p.Workers)

	var wg sync.WaitGroup
	for w := 1; w <= p.Workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			worker(poolCtx, id, composer, p, jobs, results)
		}(w)
	}
	go sendJobsToWorkers(poolCtx, p, jobs)
	go func() {
		wg.Wait()
		close(results)
	}()

	sum, err := processWorkerResults(results, writer)
	if err != nil {
		cancel()
		for range results {
		}
		return sum, err
	}
	if err := ctx.Err(); err != nil {
		return sum, err
	}
	return sum, nil
}
