package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// StoreChecker verifies the instruction data directory exists and is
// writable, since every phase transition must persist there.
type StoreChecker struct {
	dir string
}

// NewStoreChecker creates a checker for the given data directory.
func NewStoreChecker(dir string) *StoreChecker {
	return &StoreChecker{dir: dir}
}

func (c *StoreChecker) Name() string {
	return "instruction-store"
}

func (c *StoreChecker) Check(_ context.Context) *Result {
	info, err := os.Stat(c.dir)
	if err != nil {
		return Unhealthy(fmt.Sprintf("data directory unavailable: %v", err)).
			WithDetail("dir", c.dir)
	}
	if !info.IsDir() {
		return Unhealthy(fmt.Sprintf("%s is not a directory", c.dir))
	}

	// Probe writability the way the store writes: temp file, remove.
	probe, err := os.CreateTemp(c.dir, ".healthprobe.*")
	if err != nil {
		return Unhealthy(fmt.Sprintf("data directory not writable: %v", err)).
			WithDetail("dir", c.dir)
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)

	abs, _ := filepath.Abs(c.dir)
	return Healthy("data directory writable").WithDetail("dir", abs)
}
