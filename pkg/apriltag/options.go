package apriltag

import (
	"log/slog"
	"time"

	"github.com/teslashibe/go-tagpose/internal/log"
	"github.com/teslashibe/go-tagpose/pkg/rosbridge"
)

// Defaults matching the interbotix perception launch files.
const (
	DefaultNamespace      = "apriltag"
	DefaultTagName        = "ar_tag"
	DefaultImagePath      = "/tmp/get_image.png"
	DefaultSavePath       = "/tmp/save_image.png"
	DefaultTransformTopic = "/static_transforms"
)

// Options holds Interface configuration.
type Options struct {
	// ImagePath is where the capture service writes the raw picture.
	ImagePath string

	// SavePath is where the analyze service writes the annotated picture.
	SavePath string

	// TransformTopic receives the tag transforms, usually consumed by a
	// static transform broadcaster.
	TransformTopic string

	// QueueSize bounds unsent transforms; the oldest is dropped when full.
	QueueSize int

	// MetadataTimeout bounds the wait for the first camera info message.
	// 0 waits until the context is done.
	MetadataTimeout time.Duration

	// Logger defaults to the package logger.
	Logger *slog.Logger

	// Clock stamps published transforms.
	Clock func() time.Time
}

// Option is a functional option for configuring an Interface.
type Option func(*Options)

// WithImagePath sets the capture target path.
func WithImagePath(path string) Option {
	return func(o *Options) { o.ImagePath = path }
}

// WithSavePath sets where the annotated image is saved.
func WithSavePath(path string) Option {
	return func(o *Options) { o.SavePath = path }
}

// WithTransformTopic sets the topic transforms are published on.
func WithTransformTopic(topic string) Option {
	return func(o *Options) { o.TransformTopic = topic }
}

// WithQueueSize sets the transform publisher queue size.
func WithQueueSize(n int) Option {
	return func(o *Options) { o.QueueSize = n }
}

// WithMetadataTimeout gives up waiting for camera info after d.
func WithMetadataTimeout(d time.Duration) Option {
	return func(o *Options) { o.MetadataTimeout = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithClock replaces time.Now for transform stamps.
func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Clock = now }
}

// DefaultOptions returns the defaults used by New.
func DefaultOptions() *Options {
	return &Options{
		ImagePath:      DefaultImagePath,
		SavePath:       DefaultSavePath,
		TransformTopic: DefaultTransformTopic,
		QueueSize:      rosbridge.DefaultQueueSize,
		Clock:          time.Now,
	}
}

// Apply applies functional options, then fills anything left empty.
func (o *Options) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(o)
	}
	if o.Logger == nil {
		o.Logger = log.L()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.QueueSize <= 0 {
		o.QueueSize = rosbridge.DefaultQueueSize
	}
}
