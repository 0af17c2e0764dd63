package live

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// CaptureManager tracks active event recordings, one per (event, camera)
// pair. The session record lives in redis with a heartbeat TTL: the unload
// beacon that should stop a capture is best-effort, so a reaper reconciles
// sessions whose heartbeat lapsed.
type CaptureManager struct {
	Redis *redis.Client
	Media MediaPlane

	// TTL is read on every start and heartbeat, so pointing it at a
	// settings getter makes reloads take effect on the next beat.
	TTL         func() time.Duration
	SettleDelay time.Duration
}

const (
	DefaultCaptureTTL   = 2 * time.Minute
	DefaultSettleDelay  = 500 * time.Millisecond
	captureIndexKey     = "capture:index"
	captureReapInterval = 30 * time.Second
)

func NewCaptureManager(r *redis.Client, media MediaPlane, ttl time.Duration) *CaptureManager {
	if ttl <= 0 {
		ttl = DefaultCaptureTTL
	}
	return &CaptureManager{
		Redis:       r,
		Media:       media,
		TTL:         func() time.Duration { return ttl },
		SettleDelay: DefaultSettleDelay,
	}
}

func captureKey(eventID, cameraID uuid.UUID) string {
	return "capture:sess:" + eventID.String() + ":" + cameraID.String()
}

func captureMember(eventID, cameraID uuid.UUID) string {
	return eventID.String() + "|" + cameraID.String()
}

// EnsureCapture starts a recording for the pair if one is not already
// running. Idempotent: a second call is a no-op, and a capture already
// running server-side (client remount) is adopted rather than restarted.
// Callers invoke this only once the video surface reports playing, so the
// recording never opens on dead air.
func (m *CaptureManager) EnsureCapture(ctx context.Context, eventID, cameraID uuid.UUID) (started bool, err error) {
	key := captureKey(eventID, cameraID)

	exists, err := m.Redis.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if exists == 1 {
		m.Redis.PExpire(ctx, key, m.TTL())
		return false, nil
	}

	active, err := m.Media.CaptureActive(ctx, eventID, cameraID)
	if err != nil {
		return false, fmt.Errorf("capture status: %w", err)
	}

	if !active {
		// Short settle so the first recorded frames are past the
		// player's initial buffering.
		select {
		case <-time.After(m.SettleDelay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
		if err := m.Media.StartCapture(ctx, eventID, cameraID); err != nil {
			return false, err
		}
	}

	pipe := m.Redis.Pipeline()
	pipe.Set(ctx, key, "1", m.TTL())
	pipe.SAdd(ctx, captureIndexKey, captureMember(eventID, cameraID))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return !active, nil
}

// Heartbeat keeps the session alive while the client is still viewing.
func (m *CaptureManager) Heartbeat(ctx context.Context, eventID, cameraID uuid.UUID) error {
	ok, err := m.Redis.PExpire(ctx, captureKey(eventID, cameraID), m.TTL()).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no active capture for event %s camera %s", eventID, cameraID)
	}
	return nil
}

// Active reports whether a capture session exists for the pair.
func (m *CaptureManager) Active(ctx context.Context, eventID, cameraID uuid.UUID) (bool, error) {
	n, err := m.Redis.Exists(ctx, captureKey(eventID, cameraID)).Result()
	return n == 1, err
}

// StopCapture ends the recording. Safe to call when none is running.
func (m *CaptureManager) StopCapture(ctx context.Context, eventID, cameraID uuid.UUID) error {
	pipe := m.Redis.Pipeline()
	pipe.Del(ctx, captureKey(eventID, cameraID))
	pipe.SRem(ctx, captureIndexKey, captureMember(eventID, cameraID))
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	return m.Media.StopCapture(ctx, eventID, cameraID)
}

// StopForEvent ends every capture tied to the event, across cameras. Used
// by the claim state machine on hold/escalate/resolve/dismiss exits.
func (m *CaptureManager) StopForEvent(ctx context.Context, eventID uuid.UUID) error {
	members, err := m.Redis.SMembers(ctx, captureIndexKey).Result()
	if err != nil {
		return err
	}

	prefix := eventID.String() + "|"
	for _, member := range members {
		if !strings.HasPrefix(member, prefix) {
			continue
		}
		cameraID, perr := uuid.Parse(strings.TrimPrefix(member, prefix))
		if perr != nil {
			m.Redis.SRem(ctx, captureIndexKey, member)
			continue
		}
		if err := m.StopCapture(ctx, eventID, cameraID); err != nil {
			log.Printf("[Live] stop capture %s: %v", member, err)
		}
	}
	return nil
}

// StartReaper reconciles orphaned captures: index members whose heartbeat
// key expired get their server-side recording stopped.
func (m *CaptureManager) StartReaper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(captureReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.reap(ctx)
			}
		}
	}()
}

func (m *CaptureManager) reap(ctx context.Context) {
	members, err := m.Redis.SMembers(ctx, captureIndexKey).Result()
	if err != nil {
		log.Printf("[Live] capture reap scan: %v", err)
		return
	}

	for _, member := range members {
		parts := strings.SplitN(member, "|", 2)
		if len(parts) != 2 {
			m.Redis.SRem(ctx, captureIndexKey, member)
			continue
		}
		eventID, err1 := uuid.Parse(parts[0])
		cameraID, err2 := uuid.Parse(parts[1])
		if err1 != nil || err2 != nil {
			m.Redis.SRem(ctx, captureIndexKey, member)
			continue
		}

		exists, err := m.Redis.Exists(ctx, captureKey(eventID, cameraID)).Result()
		if err != nil {
			continue
		}
		if exists == 0 {
			log.Printf("[Live] reaping orphaned capture %s", member)
			if err := m.StopCapture(ctx, eventID, cameraID); err != nil {
				log.Printf("[Live] reap stop %s: %v", member, err)
			}
		}
	}
}
