package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// TranscodeStatus is the media plane's view of one camera's pipeline.
type TranscodeStatus struct {
	Running bool   `json:"running"`
	Ready   bool   `json:"ready"` // first playlist segment written
	URL     string `json:"url"`
}

// MediaPlane is the coordinator's handle on the external RTSP->HLS and
// recording pipeline. The pipeline itself is out of scope; the coordinator
// only drives its lifecycle.
type MediaPlane interface {
	StartTranscode(ctx context.Context, cameraID uuid.UUID, quality string) (url string, err error)
	StopTranscode(ctx context.Context, cameraID uuid.UUID) error
	TranscodeStatus(ctx context.Context, cameraID uuid.UUID) (*TranscodeStatus, error)

	CaptureActive(ctx context.Context, eventID, cameraID uuid.UUID) (bool, error)
	StartCapture(ctx context.Context, eventID, cameraID uuid.UUID) error
	StopCapture(ctx context.Context, eventID, cameraID uuid.UUID) error
}

// NATSMediaPlane drives the media plane over request/reply subjects.
//
//	media.transcode.start / stop / status
//	media.capture.start / stop / status
//
// Readiness is pushed by the media plane on media.stream.ready with the
// camera id as payload; the stream manager subscribes to it.
type NATSMediaPlane struct {
	Conn    *nats.Conn
	Timeout time.Duration
}

func NewNATSMediaPlane(conn *nats.Conn, timeout time.Duration) *NATSMediaPlane {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NATSMediaPlane{Conn: conn, Timeout: timeout}
}

type transcodeRequest struct {
	CameraID string `json:"camera_id"`
	Quality  string `json:"quality,omitempty"`
}

type transcodeReply struct {
	OK    bool   `json:"ok"`
	URL   string `json:"url,omitempty"`
	Error string `json:"error,omitempty"`
	TranscodeStatus
}

type captureRequest struct {
	EventID  string `json:"event_id"`
	CameraID string `json:"camera_id"`
}

type captureReply struct {
	OK     bool   `json:"ok"`
	Active bool   `json:"active"`
	Error  string `json:"error,omitempty"`
}

func (p *NATSMediaPlane) request(ctx context.Context, subject string, req any, reply any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	msg, err := p.Conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("media plane %s: %w", subject, err)
	}
	return json.Unmarshal(msg.Data, reply)
}

func (p *NATSMediaPlane) StartTranscode(ctx context.Context, cameraID uuid.UUID, quality string) (string, error) {
	var rep transcodeReply
	err := p.request(ctx, "media.transcode.start", transcodeRequest{CameraID: cameraID.String(), Quality: quality}, &rep)
	if err != nil {
		return "", err
	}
	if !rep.OK {
		return "", fmt.Errorf("media plane refused transcode for %s: %s", cameraID, rep.Error)
	}
	return rep.URL, nil
}

func (p *NATSMediaPlane) StopTranscode(ctx context.Context, cameraID uuid.UUID) error {
	var rep transcodeReply
	return p.request(ctx, "media.transcode.stop", transcodeRequest{CameraID: cameraID.String()}, &rep)
}

func (p *NATSMediaPlane) TranscodeStatus(ctx context.Context, cameraID uuid.UUID) (*TranscodeStatus, error) {
	var rep transcodeReply
	if err := p.request(ctx, "media.transcode.status", transcodeRequest{CameraID: cameraID.String()}, &rep); err != nil {
		return nil, err
	}
	return &TranscodeStatus{Running: rep.Running, Ready: rep.Ready, URL: rep.URL}, nil
}

func (p *NATSMediaPlane) CaptureActive(ctx context.Context, eventID, cameraID uuid.UUID) (bool, error) {
	var rep captureReply
	err := p.request(ctx, "media.capture.status", captureRequest{EventID: eventID.String(), CameraID: cameraID.String()}, &rep)
	if err != nil {
		return false, err
	}
	return rep.Active, nil
}

func (p *NATSMediaPlane) StartCapture(ctx context.Context, eventID, cameraID uuid.UUID) error {
	var rep captureReply
	err := p.request(ctx, "media.capture.start", captureRequest{EventID: eventID.String(), CameraID: cameraID.String()}, &rep)
	if err != nil {
		return err
	}
	if !rep.OK {
		return fmt.Errorf("media plane refused capture for event %s camera %s: %s", eventID, cameraID, rep.Error)
	}
	return nil
}

func (p *NATSMediaPlane) StopCapture(ctx context.Context, eventID, cameraID uuid.UUID) error {
	var rep captureReply
	return p.request(ctx, "media.capture.stop", captureRequest{EventID: eventID.String(), CameraID: cameraID.String()}, &rep)
}

// ErrMediaUnavailable is returned by the disabled plane when the process
// boots without a NATS connection.
var ErrMediaUnavailable = errors.New("media plane unavailable")

// DisabledMediaPlane stands in when NATS is down. Claim coordination keeps
// working; live streaming and capture report unavailable.
type DisabledMediaPlane struct{}

func (DisabledMediaPlane) StartTranscode(context.Context, uuid.UUID, string) (string, error) {
	return "", ErrMediaUnavailable
}

func (DisabledMediaPlane) StopTranscode(context.Context, uuid.UUID) error {
	return ErrMediaUnavailable
}

func (DisabledMediaPlane) TranscodeStatus(context.Context, uuid.UUID) (*TranscodeStatus, error) {
	return nil, ErrMediaUnavailable
}

func (DisabledMediaPlane) CaptureActive(context.Context, uuid.UUID, uuid.UUID) (bool, error) {
	return false, ErrMediaUnavailable
}

func (DisabledMediaPlane) StartCapture(context.Context, uuid.UUID, uuid.UUID) error {
	return ErrMediaUnavailable
}

func (DisabledMediaPlane) StopCapture(context.Context, uuid.UUID, uuid.UUID) error {
	return ErrMediaUnavailable
}
