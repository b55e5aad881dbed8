package metrics

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// GPUReader takes one GPU sample.
type GPUReader interface {
	ReadGPUMetrics(ctx context.Context) (GPUMetrics, error)
}

// SMIReader samples the first GPU through nvidia-smi.
type SMIReader struct {
	Path string
}

func (r SMIReader) ReadGPUMetrics(ctx context.Context) (GPUMetrics, error) {
	path := r.Path
	if path == "" {
		path = "nvidia-smi"
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, path,
		"--query-gpu=utilization.gpu,temperature.gpu,memory.used,memory.total",
		"--format=csv,noheader,nounits")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return GPUMetrics{}, fmt.Errorf("nvidia-smi: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return parseNvidiaSMIOutput(stdout.String())
}

// GPUCollector polls a GPUReader on an interval while generations run on
// cuda, handing each good sample to onSample.
type GPUCollector struct {
	interval time.Duration
	reader   GPUReader
	onSample func(GPUMetrics)

	mu        sync.RWMutex
	available bool
	lastErr   error

	cancel context.CancelFunc
	done   chan struct{}
}

func NewGPUCollector(reader GPUReader, interval time.Duration, onSample func(GPUMetrics)) *GPUCollector {
	if interval < time.Second {
		interval = 5 * time.Second
	}
	return &GPUCollector{interval: interval, reader: reader, onSample: onSample}
}

// Start samples immediately and then on every tick until ctx ends or Stop
// is called.
func (c *GPUCollector) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		c.collectOnce(ctx)

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.collectOnce(ctx)
			}
		}
	}()
}

// Stop blocks until the polling goroutine exits. Safe to call before Start.
func (c *GPUCollector) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

func (c *GPUCollector) IsAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.available
}

func (c *GPUCollector) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

func (c *GPUCollector) collectOnce(ctx context.Context) {
	sample, err := c.reader.ReadGPUMetrics(ctx)

	c.mu.Lock()
	c.available = err == nil
	c.lastErr = err
	c.mu.Unlock()

	if err == nil && c.onSample != nil {
		c.onSample(sample)
	}
}

func parseNvidiaSMIOutput(output string) (GPUMetrics, error) {
	output = strings.TrimSpace(output)
	if output == "" {
		return GPUMetrics{}, fmt.Errorf("empty nvidia-smi output")
	}

	record, err := csv.NewReader(strings.NewReader(output)).Read()
	if err != nil {
		return GPUMetrics{}, fmt.Errorf("parse nvidia-smi csv: %w", err)
	}
	if len(record) < 4 {
		return GPUMetrics{}, fmt.Errorf("nvidia-smi: got %d fields, want 4", len(record))
	}

	values := make([]float64, 4)
	for i, field := range record[:4] {
		v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			return GPUMetrics{}, fmt.Errorf("nvidia-smi field %d: %w", i, err)
		}
		values[i] = v
	}

	const mib = 1024 * 1024
	total := int64(values[3] * mib)
	used := int64(values[2] * mib)
	return GPUMetrics{
		Utilization: values[0],
		Temperature: values[1],
		MemoryTotal: total,
		MemoryUsed:  used,
		MemoryFree:  total - used,
	}, nil
}
