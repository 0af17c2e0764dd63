package live

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// fakeMedia records lifecycle calls and is fully configurable so tests can
// drive the manager through every path without a real pipeline.
type fakeMedia struct {
	mu sync.Mutex

	startErr   error
	ready      map[uuid.UUID]bool
	active     map[string]bool
	transcodes map[uuid.UUID]int
	stops      map[uuid.UUID]int

	captureStarts []string
	captureStops  []string
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{
		ready:      make(map[uuid.UUID]bool),
		active:     make(map[string]bool),
		transcodes: make(map[uuid.UUID]int),
		stops:      make(map[uuid.UUID]int),
	}
}

func pairKey(eventID, cameraID uuid.UUID) string {
	return eventID.String() + "|" + cameraID.String()
}

func (f *fakeMedia) StartTranscode(_ context.Context, cameraID uuid.UUID, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.transcodes[cameraID]++
	return "https://media.local/hls/" + cameraID.String() + "/index.m3u8", nil
}

func (f *fakeMedia) StopTranscode(_ context.Context, cameraID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops[cameraID]++
	return nil
}

func (f *fakeMedia) TranscodeStatus(_ context.Context, cameraID uuid.UUID) (*TranscodeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &TranscodeStatus{Running: f.transcodes[cameraID] > 0, Ready: f.ready[cameraID]}, nil
}

func (f *fakeMedia) CaptureActive(_ context.Context, eventID, cameraID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[pairKey(eventID, cameraID)], nil
}

func (f *fakeMedia) StartCapture(_ context.Context, eventID, cameraID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[pairKey(eventID, cameraID)] = true
	f.captureStarts = append(f.captureStarts, pairKey(eventID, cameraID))
	return nil
}

func (f *fakeMedia) StopCapture(_ context.Context, eventID, cameraID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, pairKey(eventID, cameraID))
	f.captureStops = append(f.captureStops, pairKey(eventID, cameraID))
	return nil
}

func (f *fakeMedia) transcodeStops(cameraID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops[cameraID]
}

func (f *fakeMedia) setReady(cameraID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready[cameraID] = true
}

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb, mr
}
