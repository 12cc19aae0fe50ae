package permission

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/example/rider-tracker/internal/logging"
)

type brokenAuthority struct{}

func (brokenAuthority) Status(context.Context, Kind) (bool, error) {
	return false, errors.New("permission service unavailable")
}

func (brokenAuthority) Request(context.Context, Kind) (bool, error) {
	return false, errors.New("permission service unavailable")
}

func TestGateForegroundOnly(t *testing.T) {
	ctx := context.Background()
	a := NewStaticAuthority(true, false)
	g := NewGate(a, false, logging.Discard())

	assert.True(t, g.HasPermission(ctx))
	assert.True(t, g.RequestForeground(ctx))
	assert.Equal(t, 1, a.Requests(Foreground))
}

func TestGateBackgroundRequiresForeground(t *testing.T) {
	ctx := context.Background()
	a := NewStaticAuthority(false, true)
	g := NewGate(a, true, logging.Discard())

	assert.False(t, g.RequestBackground(ctx))
	assert.Zero(t, a.Requests(Background), "background must not prompt before foreground is granted")

	a.Set(Foreground, true)
	assert.True(t, g.RequestBackground(ctx))
	assert.True(t, g.HasPermission(ctx))
}

func TestGateBackgroundModeNeedsBoth(t *testing.T) {
	g := NewGate(NewStaticAuthority(true, false), true, logging.Discard())
	assert.False(t, g.HasPermission(context.Background()))
}

func TestGateErrorsAreDenials(t *testing.T) {
	ctx := context.Background()
	g := NewGate(brokenAuthority{}, false, logging.Discard())
	assert.False(t, g.HasPermission(ctx))
	assert.False(t, g.RequestForeground(ctx))
	assert.False(t, g.RequestBackground(ctx))
}
