package battery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultLevel is reported whenever the real level cannot be read.
const DefaultLevel = 100

type Reader interface {
	Level(ctx context.Context) (int, error)
}

// SysfsReader reads the capacity of a Linux power supply, e.g.
// /sys/class/power_supply/BAT0.
type SysfsReader struct {
	Dir string
}

func (r SysfsReader) Level(_ context.Context) (int, error) {
	raw, err := os.ReadFile(filepath.Join(r.Dir, "capacity"))
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("parse battery capacity: %w", err)
	}
	return v, nil
}

// LevelOrDefault reads the level from r and returns DefaultLevel on any
// error, panic, or value outside 0-100. It never fails.
func LevelOrDefault(ctx context.Context, r Reader) (level int) {
	if r == nil {
		return DefaultLevel
	}
	defer func() {
		if rec := recover(); rec != nil {
			level = DefaultLevel
		}
	}()
	v, err := r.Level(ctx)
	if err != nil || v < 0 || v > 100 {
		return DefaultLevel
	}
	return v
}
