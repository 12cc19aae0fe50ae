package location

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/rider-tracker/internal/logging"
	"github.com/example/rider-tracker/internal/models"
	"github.com/example/rider-tracker/internal/storage"
)

// fakeSource hands the callback back to the test so it can push batches.
type fakeSource struct {
	mu               sync.Mutex
	SubscribeCalls   int
	RemoveCalls      int
	SubscribeError   error
	PanicOnSubscribe bool
	fn               func([]models.LocationSample)
	opts             WatchOptions
}

func (f *fakeSource) Subscribe(opts WatchOptions, fn func([]models.LocationSample)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SubscribeCalls++
	if f.PanicOnSubscribe {
		panic("location services crashed")
	}
	if f.SubscribeError != nil {
		return nil, f.SubscribeError
	}
	f.fn = fn
	f.opts = opts
	return &fakeSub{src: f}, nil
}

func (f *fakeSource) push(batch ...models.LocationSample) {
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		fn(batch)
	}
}

type fakeSub struct{ src *fakeSource }

func (s *fakeSub) Remove() error {
	s.src.mu.Lock()
	defer s.src.mu.Unlock()
	s.src.RemoveCalls++
	s.src.fn = nil
	return nil
}

type fakeIndicator struct {
	mu        sync.Mutex
	Shown     bool
	ShowCalls int
	ShowError error
}

func (i *fakeIndicator) Show(string, string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ShowCalls++
	if i.ShowError != nil {
		return i.ShowError
	}
	i.Shown = true
	return nil
}

func (i *fakeIndicator) Hide() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Shown = false
	return nil
}

// failingRegistry fails Register; everything else goes to the store.
type failingRegistry struct {
	StoreRegistry
	err error
}

func (r failingRegistry) Register(context.Context, string, TaskOptions) error { return r.err }

type engineFixture struct {
	src       *fakeSource
	indicator *fakeIndicator
	backend   *storage.MemoryStore
	engine    *Engine
}

func newEngineFixture() *engineFixture {
	f := &engineFixture{src: &fakeSource{}, indicator: &fakeIndicator{}, backend: storage.NewMemoryStore()}
	f.engine = NewEngine(f.src, StoreRegistry{Backend: f.backend}, f.indicator, logging.Discard())
	return f
}

func (f *engineFixture) restart() {
	f.engine = NewEngine(f.src, StoreRegistry{Backend: f.backend}, f.indicator, logging.Discard())
}

var bgOpts = StartOptions{Mode: Background, Interval: 30 * time.Second, DistanceFilterMeters: 10}

func sampleAt(lat, lng float64) models.LocationSample {
	return models.LocationSample{Latitude: lat, Longitude: lng, Timestamp: time.Now()}
}

func TestEngineBackgroundStartStop(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture()

	require.NoError(t, f.engine.Start(ctx, bgOpts, func(models.LocationSample) {}))
	assert.Equal(t, Active, f.engine.State())
	assert.True(t, f.indicator.Shown)
	assert.Equal(t, 30*time.Second, f.src.opts.Interval)

	registered, err := f.engine.IsTaskRegistered(ctx)
	require.NoError(t, err)
	assert.True(t, registered)

	require.NoError(t, f.engine.Stop(ctx))
	assert.Equal(t, Idle, f.engine.State())
	assert.False(t, f.indicator.Shown)
	assert.Equal(t, 1, f.src.RemoveCalls)

	registered, err = f.engine.IsTaskRegistered(ctx)
	require.NoError(t, err)
	assert.False(t, registered)
}

func TestEngineStopIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture()

	require.NoError(t, f.engine.Stop(ctx))
	require.NoError(t, f.engine.Stop(ctx))
	assert.Equal(t, Idle, f.engine.State())
	assert.Zero(t, f.src.RemoveCalls)
}

func TestEngineReentrantStartIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture()

	require.NoError(t, f.engine.Start(ctx, bgOpts, func(models.LocationSample) {}))
	require.NoError(t, f.engine.Start(ctx, bgOpts, func(models.LocationSample) {}))
	assert.Equal(t, 1, f.src.SubscribeCalls)
	assert.Equal(t, 1, f.indicator.ShowCalls)
}

func TestEngineTrustsRegistryAfterRestart(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture()
	require.NoError(t, f.engine.Start(ctx, bgOpts, func(models.LocationSample) {}))

	// process dies: in-memory state resets, the registration stays
	f.restart()
	assert.Equal(t, Idle, f.engine.State())

	var got []models.LocationSample
	require.NoError(t, f.engine.Start(ctx, bgOpts, func(s models.LocationSample) { got = append(got, s) }))
	assert.Equal(t, Active, f.engine.State())
	assert.Equal(t, 2, f.src.SubscribeCalls, "watch re-attached")

	f.src.push(sampleAt(12.9, 77.6))
	assert.Len(t, got, 1)
}

func TestEngineDropsStaleInMemoryState(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture()
	require.NoError(t, f.engine.Start(ctx, bgOpts, func(models.LocationSample) {}))

	// the platform dropped the task behind our back
	require.NoError(t, f.backend.Delete(ctx, storage.TaskKey(BackgroundTaskName)))

	require.NoError(t, f.engine.Start(ctx, bgOpts, func(models.LocationSample) {}))
	assert.Equal(t, 2, f.src.SubscribeCalls)
	assert.Equal(t, 1, f.src.RemoveCalls)
	registered, _ := f.engine.IsTaskRegistered(ctx)
	assert.True(t, registered)
}

func TestEngineResume(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture()

	resumed, err := f.engine.Resume(ctx, func(models.LocationSample) {})
	require.NoError(t, err)
	assert.False(t, resumed)

	require.NoError(t, f.engine.Start(ctx, bgOpts, func(models.LocationSample) {}))
	f.restart()

	resumed, err = f.engine.Resume(ctx, func(models.LocationSample) {})
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Equal(t, Active, f.engine.State())
	assert.Equal(t, 30*time.Second, f.src.opts.Interval)
	assert.Equal(t, 10, f.src.opts.DistanceFilterMeters)
}

func TestEngineSubscribeFailureLeavesIdle(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture()
	f.src.SubscribeError = errors.New("no gps fix hardware")

	err := f.engine.Start(ctx, bgOpts, func(models.LocationSample) {})
	assert.ErrorIs(t, err, ErrRegistration)
	assert.Equal(t, Idle, f.engine.State())
	registered, _ := f.engine.IsTaskRegistered(ctx)
	assert.False(t, registered)
}

func TestEngineSubscribePanicLeavesIdle(t *testing.T) {
	f := newEngineFixture()
	f.src.PanicOnSubscribe = true

	err := f.engine.Start(context.Background(), bgOpts, func(models.LocationSample) {})
	assert.ErrorIs(t, err, ErrRegistration)
	assert.Equal(t, Idle, f.engine.State())
}

func TestEngineRegisterFailureReleasesWatch(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture()
	f.engine = NewEngine(f.src, failingRegistry{StoreRegistry: StoreRegistry{Backend: f.backend}, err: errors.New("task limit reached")}, f.indicator, logging.Discard())

	err := f.engine.Start(ctx, bgOpts, func(models.LocationSample) {})
	assert.ErrorIs(t, err, ErrRegistration)
	assert.Equal(t, Idle, f.engine.State())
	assert.Equal(t, 1, f.src.RemoveCalls)
	assert.False(t, f.indicator.Shown)
}

func TestEngineIndicatorFailureIsRegistrationFailure(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture()
	f.indicator.ShowError = errors.New("notification channel blocked")

	err := f.engine.Start(ctx, bgOpts, func(models.LocationSample) {})
	assert.ErrorIs(t, err, ErrRegistration)
	assert.Equal(t, Idle, f.engine.State())
	registered, _ := f.engine.IsTaskRegistered(ctx)
	assert.False(t, registered)
}

func TestEngineForegroundSkipsTaskRegistry(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture()

	require.NoError(t, f.engine.Start(ctx, StartOptions{Mode: Foreground, Interval: time.Minute}, func(models.LocationSample) {}))
	registered, _ := f.engine.IsTaskRegistered(ctx)
	assert.False(t, registered)
	assert.Zero(t, f.indicator.ShowCalls)
}

func TestEngineProcessesLatestOfBatch(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture()
	var got []models.LocationSample
	require.NoError(t, f.engine.Start(ctx, StartOptions{Mode: Background}, func(s models.LocationSample) { got = append(got, s) }))

	f.src.push(sampleAt(12.90, 77.60), sampleAt(12.91, 77.61), sampleAt(12.92, 77.62))
	require.Len(t, got, 1)
	assert.Equal(t, 12.92, got[0].Latitude)

	f.src.push()
	assert.Len(t, got, 1)
}

func TestEngineDistanceFilter(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture()
	var got []models.LocationSample
	require.NoError(t, f.engine.Start(ctx, bgOpts, func(s models.LocationSample) { got = append(got, s) }))

	f.src.push(sampleAt(12.9, 77.6))
	f.src.push(sampleAt(12.90002, 77.6)) // ~2m
	f.src.push(sampleAt(12.9003, 77.6))  // ~33m
	assert.Len(t, got, 2)
}

func TestEngineHandlerPanicIsContained(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture()
	require.NoError(t, f.engine.Start(ctx, StartOptions{Mode: Foreground}, func(models.LocationSample) { panic("bad handler") }))

	assert.NotPanics(t, func() { f.src.push(sampleAt(1, 1)) })
	assert.Equal(t, Active, f.engine.State())
}
