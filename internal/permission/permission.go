// Package permission gates tracking on the rider's location consent.
package permission

import (
	"context"
	"log/slog"
	"sync"

	"github.com/example/rider-tracker/internal/logging"
)

type Kind string

const (
	Foreground Kind = "foreground"
	Background Kind = "background"
)

// Authority is the platform permission store.
type Authority interface {
	// Status reports whether kind is granted, without prompting.
	Status(ctx context.Context, kind Kind) (bool, error)
	// Request prompts for kind and reports the answer.
	Request(ctx context.Context, kind Kind) (bool, error)
}

// Gate asks the Authority for location consent. Errors count as denial.
// A denial ends the current attempt; the gate never re-prompts on its own.
type Gate struct {
	authority  Authority
	background bool
	logger     *slog.Logger
}

// NewGate builds a gate. With background set, HasPermission also requires
// background consent.
func NewGate(a Authority, background bool, logger *slog.Logger) *Gate {
	return &Gate{authority: a, background: background, logger: logging.Component(logger, "permission")}
}

func (g *Gate) RequiresBackground() bool { return g.background }

func (g *Gate) RequestForeground(ctx context.Context) bool {
	return g.request(ctx, Foreground)
}

// RequestBackground prompts for background consent. Platforms only allow it
// after foreground consent, so without it this returns false unprompted.
func (g *Gate) RequestBackground(ctx context.Context) bool {
	if !g.status(ctx, Foreground) {
		g.logger.Warn("background permission requested before foreground was granted")
		return false
	}
	return g.request(ctx, Background)
}

func (g *Gate) HasPermission(ctx context.Context) bool {
	if !g.status(ctx, Foreground) {
		return false
	}
	return !g.background || g.status(ctx, Background)
}

func (g *Gate) status(ctx context.Context, kind Kind) bool {
	ok, err := g.authority.Status(ctx, kind)
	if err != nil {
		g.logger.Error("permission status check failed", "kind", kind, "error", err)
		return false
	}
	return ok
}

func (g *Gate) request(ctx context.Context, kind Kind) bool {
	ok, err := g.authority.Request(ctx, kind)
	if err != nil {
		g.logger.Error("permission request failed", "kind", kind, "error", err)
		return false
	}
	if !ok {
		g.logger.Info("location permission denied", "kind", kind)
	}
	return ok
}

// StaticAuthority answers from fixed provisioning values, e.g. the agent
// config on a managed device. Requests are counted so callers can check that
// nothing prompts in a loop.
type StaticAuthority struct {
	mu       sync.Mutex
	grants   map[Kind]bool
	requests map[Kind]int
}

func NewStaticAuthority(foreground, background bool) *StaticAuthority {
	return &StaticAuthority{
		grants:   map[Kind]bool{Foreground: foreground, Background: background},
		requests: make(map[Kind]int),
	}
}

func (a *StaticAuthority) Status(_ context.Context, kind Kind) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.grants[kind], nil
}

func (a *StaticAuthority) Request(_ context.Context, kind Kind) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests[kind]++
	return a.grants[kind], nil
}

// Set changes the answer for kind, as a rider granting consent in settings would.
func (a *StaticAuthority) Set(kind Kind, granted bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.grants[kind] = granted
}

func (a *StaticAuthority) Requests(kind Kind) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests[kind]
}
