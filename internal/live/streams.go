package live

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// StreamTimeoutError means the transcode never reported ready within the
// bound. Recoverable: the client may simply retry.
type StreamTimeoutError struct {
	CameraID uuid.UUID
	Waited   time.Duration
}

func (e *StreamTimeoutError) Error() string {
	return fmt.Sprintf("stream for camera %s not ready after %s", e.CameraID, e.Waited)
}

// StreamSession is the server-owned state of one camera's shared stream.
// Any number of surfaces (single view, grid cells, modal) hold references
// to the same session; the transcode runs while refs > 0 and for a grace
// window after the last release.
type StreamSession struct {
	CameraID uuid.UUID `json:"camera_id"`
	RefCount int64     `json:"ref_count"`
	State    string    `json:"state"` // starting | ready
	URL      string    `json:"stream_url"`
	Quality  string    `json:"quality"`
}

// StreamManager reference-counts camera streams in redis (clients crash and
// navigate away; the count cannot live with them) and debounces teardown
// with per-camera grace timers so a quick camera switch or view remount
// does not thrash the encoder.
type StreamManager struct {
	Redis *redis.Client
	Media MediaPlane

	// Both durations are read when a timer is armed, so pointing them at
	// settings getters makes reloads take effect on the next use.
	GracePeriod func() time.Duration
	ReadyPoll   func() time.Duration

	mu      sync.Mutex
	grace   map[uuid.UUID]*time.Timer
	waiters map[uuid.UUID][]chan struct{}
	sub     *nats.Subscription
}

const (
	DefaultGracePeriod = 20 * time.Second
	DefaultReadyPoll   = 2 * time.Second
)

func NewStreamManager(r *redis.Client, media MediaPlane, gracePeriod time.Duration) *StreamManager {
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}
	return &StreamManager{
		Redis:       r,
		Media:       media,
		GracePeriod: func() time.Duration { return gracePeriod },
		ReadyPoll:   func() time.Duration { return DefaultReadyPoll },
		grace:       make(map[uuid.UUID]*time.Timer),
		waiters:     make(map[uuid.UUID][]chan struct{}),
	}
}

func streamKey(camera uuid.UUID) string { return "stream:sess:" + camera.String() }

// SubscribeReady wires readiness push from the media plane so that N grid
// cells waiting on the same camera wake from one notification instead of
// each polling on its own.
func (m *StreamManager) SubscribeReady(conn *nats.Conn) error {
	sub, err := conn.Subscribe("media.stream.ready", func(msg *nats.Msg) {
		cameraID, err := uuid.Parse(string(msg.Data))
		if err != nil {
			return
		}
		m.markReady(context.Background(), cameraID)
	})
	if err != nil {
		return fmt.Errorf("ready subscribe: %w", err)
	}
	m.sub = sub
	return nil
}

func (m *StreamManager) Close() {
	if m.sub != nil {
		m.sub.Unsubscribe()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.grace {
		t.Stop()
	}
}

// Acquire adds a reference to the camera's stream, starting the transcode
// on the first one. Re-acquiring during an active grace window cancels the
// pending teardown and reuses the still-running session.
func (m *StreamManager) Acquire(ctx context.Context, cameraID uuid.UUID, quality string) (*StreamSession, error) {
	m.cancelGrace(cameraID)

	key := streamKey(cameraID)
	refs, err := m.Redis.HIncrBy(ctx, key, "refs", 1).Result()
	if err != nil {
		return nil, err
	}

	// HSetNX elects exactly one starter when two first acquires race;
	// the loser rides the winner's session.
	won, err := m.Redis.HSetNX(ctx, key, "state", "starting").Result()
	if err != nil {
		return nil, err
	}

	state := "starting"
	if won {
		url, err := m.Media.StartTranscode(ctx, cameraID, quality)
		if err != nil {
			// All-or-nothing: a failed start must not leak the reference
			// or the election.
			pipe := m.Redis.Pipeline()
			pipe.HDel(ctx, key, "state")
			pipe.HIncrBy(ctx, key, "refs", -1)
			pipe.Exec(ctx)
			return nil, err
		}
		if err := m.Redis.HSet(ctx, key, "url", url, "quality", quality).Err(); err != nil {
			return nil, err
		}
	} else {
		state, err = m.Redis.HGet(ctx, key, "state").Result()
		if err != nil && err != redis.Nil {
			return nil, err
		}
	}

	url, _ := m.Redis.HGet(ctx, key, "url").Result()
	return &StreamSession{
		CameraID: cameraID,
		RefCount: refs,
		State:    state,
		URL:      url,
		Quality:  quality,
	}, nil
}

// Release drops one reference. At zero the transcode keeps running for the
// grace window before teardown.
func (m *StreamManager) Release(ctx context.Context, cameraID uuid.UUID) error {
	key := streamKey(cameraID)
	refs, err := m.Redis.HIncrBy(ctx, key, "refs", -1).Result()
	if err != nil {
		return err
	}
	if refs < 0 {
		// Unbalanced release from a confused client; clamp.
		m.Redis.HSet(ctx, key, "refs", 0)
		refs = 0
	}
	if refs == 0 {
		m.scheduleTeardown(cameraID)
	}
	return nil
}

// Status returns the current session, or nil when no session exists.
func (m *StreamManager) Status(ctx context.Context, cameraID uuid.UUID) (*StreamSession, error) {
	vals, err := m.Redis.HGetAll(ctx, streamKey(cameraID)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 || vals["state"] == "" {
		return nil, nil
	}
	var refs int64
	fmt.Sscan(vals["refs"], &refs)
	return &StreamSession{
		CameraID: cameraID,
		RefCount: refs,
		State:    vals["state"],
		URL:      vals["url"],
		Quality:  vals["quality"],
	}, nil
}

// WaitReady blocks until the camera's stream reports ready, the timeout
// lapses (StreamTimeoutError) or the context is cancelled (camera switch,
// page leave). One subscribe/notify call replaces the per-client polling
// loop; a slow poll backs up the push in case the ready event was missed.
func (m *StreamManager) WaitReady(ctx context.Context, cameraID uuid.UUID, timeout time.Duration) error {
	state, err := m.Redis.HGet(ctx, streamKey(cameraID), "state").Result()
	if err != nil && err != redis.Nil {
		return err
	}
	if state == "ready" {
		return nil
	}

	ch := make(chan struct{})
	m.mu.Lock()
	m.waiters[cameraID] = append(m.waiters[cameraID], ch)
	m.mu.Unlock()
	defer m.removeWaiter(cameraID, ch)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(m.ReadyPoll())
	defer poll.Stop()

	start := time.Now()
	for {
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return &StreamTimeoutError{CameraID: cameraID, Waited: time.Since(start)}
		case <-poll.C:
			st, err := m.Media.TranscodeStatus(ctx, cameraID)
			if err != nil {
				continue
			}
			if st.Ready {
				m.markReady(ctx, cameraID)
				return nil
			}
		}
	}
}

func (m *StreamManager) markReady(ctx context.Context, cameraID uuid.UUID) {
	if err := m.Redis.HSet(ctx, streamKey(cameraID), "state", "ready").Err(); err != nil {
		log.Printf("[Live] mark ready %s: %v", cameraID, err)
	}

	m.mu.Lock()
	chans := m.waiters[cameraID]
	delete(m.waiters, cameraID)
	m.mu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}

func (m *StreamManager) removeWaiter(cameraID uuid.UUID, ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.waiters[cameraID]
	for i, c := range list {
		if c == ch {
			m.waiters[cameraID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (m *StreamManager) cancelGrace(cameraID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.grace[cameraID]; ok {
		t.Stop()
		delete(m.grace, cameraID)
	}
}

func (m *StreamManager) scheduleTeardown(cameraID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.grace[cameraID]; ok {
		t.Stop()
	}
	m.grace[cameraID] = time.AfterFunc(m.GracePeriod(), func() {
		m.teardown(cameraID)
	})
}

func (m *StreamManager) teardown(cameraID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m.mu.Lock()
	delete(m.grace, cameraID)
	m.mu.Unlock()

	// Re-check: an Acquire may have raced the timer.
	refs, err := m.Redis.HGet(ctx, streamKey(cameraID), "refs").Int64()
	if err != nil && err != redis.Nil {
		log.Printf("[Live] teardown refcheck %s: %v", cameraID, err)
		return
	}
	if refs > 0 {
		return
	}

	if err := m.Media.StopTranscode(ctx, cameraID); err != nil {
		log.Printf("[Live] stop transcode %s: %v", cameraID, err)
	}
	if err := m.Redis.Del(ctx, streamKey(cameraID)).Err(); err != nil {
		log.Printf("[Live] session delete %s: %v", cameraID, err)
	}
}
