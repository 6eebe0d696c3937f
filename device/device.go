/*
Package device runs the telemetry loop: once per iteration it sends one
telemetry message and uploads one data artifact, then sleeps for the current
send interval. The interval lives in a shared Settings cell that the twin
synchronization updates while the loop is running.
*/
package device

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"

	"github.com/relabs-tech/skylink/core/logger"
	"github.com/relabs-tech/skylink/hub"
)

// Settings is the runtime configuration shared between the telemetry loop and
// the twin synchronization. All access goes through the lock, a reader never
// observes a torn value.
type Settings struct {
	mutex        sync.Mutex
	sendInterval time.Duration
}

// NewSettings creates the settings cell with the process-default send
// interval. The interval must be positive.
func NewSettings(sendInterval time.Duration) *Settings {
	if sendInterval <= 0 {
		panic("send interval must be positive")
	}
	return &Settings{sendInterval: sendInterval}
}

// SendInterval returns the current interval between loop iterations.
func (s *Settings) SendInterval() time.Duration {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.sendInterval
}

// SetSendInterval replaces the interval. Non-positive values are rejected and
// the previous value stays, the return value tells whether the update took.
func (s *Settings) SetSendInterval(d time.Duration) bool {
	if d <= 0 {
		return false
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.sendInterval = d
	return true
}

// Builder assembles a Runner.
type Builder struct {
	// Conn is the hub session. This is mandatory.
	Conn *hub.Connection
	// Settings is the shared runtime configuration. This is mandatory.
	Settings *Settings
	// DeviceID is the device identifier. This is mandatory.
	DeviceID string
	// Attributes are attached to every telemetry message.
	Attributes map[string]string
	// RetryTimeout bounds the per-step retries within one iteration.
	// Defaults to 30 seconds.
	RetryTimeout time.Duration
}

// Runner is the telemetry loop.
type Runner struct {
	conn         *hub.Connection
	settings     *Settings
	deviceID     string
	attributes   map[string]string
	retryTimeout time.Duration
}

// NewRunner creates the telemetry loop runner.
func NewRunner(b *Builder) *Runner {
	if b.Conn == nil {
		panic("hub connection is missing")
	}
	if b.Settings == nil {
		panic("settings are missing")
	}
	if len(b.DeviceID) == 0 {
		panic("device id is missing")
	}
	retryTimeout := b.RetryTimeout
	if retryTimeout == 0 {
		retryTimeout = 30 * time.Second
	}
	return &Runner{
		conn:         b.Conn,
		settings:     b.Settings,
		deviceID:     b.DeviceID,
		attributes:   b.Attributes,
		retryTimeout: retryTimeout,
	}
}

// ArtifactName builds the unique name for one data artifact. The timestamp
// carries microseconds so that two uploads within the same calendar second
// still get distinct names.
func ArtifactName(deviceID string, now time.Time) string {
	return deviceID + "_data_" + now.UTC().Format("20060102_150405.000000") + ".bin"
}

type telemetryBody struct {
	DeviceID string    `json:"device_id"`
	SentAt   time.Time `json:"sent_at"`
}

// Iterate performs one loop iteration: send one telemetry message, upload one
// artifact. Transient failures are retried with backoff and contained, a
// permanently rejected credential is returned as hub.ErrUnauthorized.
func (r *Runner) Iterate(ctx context.Context) error {
	rlog := logger.FromContext(ctx)
	now := time.Now()

	body, err := json.Marshal(telemetryBody{DeviceID: r.deviceID, SentAt: now.UTC()})
	if err != nil {
		return err
	}
	message := hub.Message{Body: body, Attributes: r.attributes}
	if err := r.retry(ctx, func() error { return r.conn.SendTelemetry(ctx, message) }); err != nil {
		if errors.Is(err, hub.ErrUnauthorized) {
			return err
		}
		rlog.WithError(err).Errorln("telemetry send failed, skipping this iteration's message")
	} else {
		rlog.Debugln("telemetry message sent")
	}

	artifact := hub.Artifact{
		Name:    ArtifactName(r.deviceID, now),
		Content: body,
	}
	if err := r.retry(ctx, func() error { return r.conn.UploadArtifact(ctx, artifact) }); err != nil {
		if errors.Is(err, hub.ErrUnauthorized) {
			return err
		}
		rlog.WithError(err).Errorln("artifact upload failed, skipping", artifact.Name)
	} else {
		rlog.Debugln("artifact uploaded:", artifact.Name)
	}
	return nil
}

// retry runs op with capped exponential backoff. Unauthorized is permanent,
// everything else is worth another attempt within the retry timeout.
func (r *Runner) retry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = r.retryTimeout
	return backoff.Retry(func() error {
		err := op()
		if errors.Is(err, hub.ErrUnauthorized) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}

// Run executes the loop until ctx is done or the hub permanently rejects the
// session credential. The sleep between iterations reads the interval fresh
// each time, so twin updates take effect on the next iteration.
func (r *Runner) Run(ctx context.Context) error {
	rlog := logger.FromContext(ctx)
	for {
		if err := r.Iterate(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		interval := r.settings.SendInterval()
		rlog.Debugln("sleeping for", interval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
