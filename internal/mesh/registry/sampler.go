package registry

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/common"
)

// Reading is one raw resource measurement, before signing and versioning.
type Reading struct {
	PluggedIn      bool
	BatteryPercent float64
	CPULoad        float64
	GPULoad        float64
	MemoryPercent  float64
	NetworkMetered bool
}

// Sampler measures the local node's resource state. Implementations
// should return quickly; the loop calls them on every tick.
type Sampler interface {
	Sample(ctx context.Context) (Reading, error)
}

// StaticSampler returns a fixed reading until Set replaces it. It doubles
// as the default on platforms with no probe support and as a handle for
// driving state changes in tests.
type StaticSampler struct {
	mu sync.RWMutex
	r  Reading
}

func NewStaticSampler(r Reading) *StaticSampler {
	return &StaticSampler{r: r}
}

func (s *StaticSampler) Set(r Reading) {
	s.mu.Lock()
	s.r = r
	s.mu.Unlock()
}

func (s *StaticSampler) Sample(_ context.Context) (Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.r, nil
}

// Hysteresis bands. A fresh sample is gossiped only when it moves beyond
// one of these against the last published sample, or when the force
// interval has elapsed; otherwise ten-second ticks would flood the mesh
// with noise.
const (
	batteryBand = 5.0
	cpuBand     = 0.1
	memoryBand  = 5.0
)

func (r *Registry) sampleLoop() {
	defer r.wg.Done()
	// Publish an initial sample immediately so peers can price this node
	// without waiting a full tick.
	r.sampleOnce()
	ticker := time.NewTicker(r.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.shutdown:
			return
		case <-ticker.C:
			r.sampleOnce()
		}
	}
}

func (r *Registry) sampleOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SampleInterval)
	reading, err := r.sampler.Sample(ctx)
	cancel()
	if err != nil {
		r.logger.Warn("resource sample failed", "error", err)
		return
	}

	r.mu.Lock()
	if !r.shouldPublish(reading) {
		r.mu.Unlock()
		return
	}
	sample := r.buildSampleLocked(reading)
	if sample == nil {
		r.mu.Unlock()
		return
	}
	r.costs[sample.NodeID] = sample
	r.lastPublished = sample
	r.lastPublishedAt = r.now()
	r.publishSnapshot()
	r.mu.Unlock()

	r.logger.Debug("cost sample published",
		slog.Bool("plugged_in", sample.PluggedIn),
		slog.Float64("cpu_load", sample.CPULoad),
		slog.Float64("multiplier", sample.CostMultiplier()),
	)
	if r.publisher != nil {
		r.publisher.PublishCost(sample)
	}
}

// shouldPublish applies the hysteresis bands; callers hold r.mu.
func (r *Registry) shouldPublish(reading Reading) bool {
	last := r.lastPublished
	if last == nil {
		return true
	}
	if r.now().Sub(r.lastPublishedAt) >= r.cfg.ForcePublishAfter {
		return true
	}
	switch {
	case reading.PluggedIn != last.PluggedIn:
		return true
	case math.Abs(reading.BatteryPercent-last.BatteryPercent) >= batteryBand:
		return true
	case math.Abs(reading.CPULoad-last.CPULoad) >= cpuBand:
		return true
	case math.Abs(reading.MemoryPercent-last.MemoryPercent) >= memoryBand:
		return true
	case reading.NetworkMetered != last.NetworkMetered:
		return true
	}
	return false
}

// buildSampleLocked stamps, versions, and signs a reading; callers hold
// r.mu.
func (r *Registry) buildSampleLocked(reading Reading) *common.CostSample {
	v := uint64(r.now().UnixMilli())
	if v <= r.costVersion {
		v = r.costVersion + 1
	}
	r.costVersion = v

	sample := &common.CostSample{
		NodeID:         r.id.NodeID(),
		PluggedIn:      reading.PluggedIn,
		BatteryPercent: reading.BatteryPercent,
		CPULoad:        reading.CPULoad,
		GPULoad:        reading.GPULoad,
		MemoryPercent:  reading.MemoryPercent,
		NetworkMetered: reading.NetworkMetered,
		SampledAt:      r.now().UnixMilli(),
		Version:        v,
	}
	sb, err := sample.SigningBytes()
	if err != nil {
		r.logger.Error("cost sample encode failed", "error", err)
		return nil
	}
	sample.Signature = r.id.Sign(sb)
	return sample
}

// LastPublishedSample returns the most recent locally published sample.
func (r *Registry) LastPublishedSample() *common.CostSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastPublished
}
