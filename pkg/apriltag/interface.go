// Package apriltag snaps the pose of an AprilTag through a running
// perception pipeline.
//
// The pipeline does the work: a capture service saves a camera frame, an
// analyze service (apriltag_ros) finds tags in it. An Interface waits once
// for the camera's intrinsics, then turns each FindPose call into those two
// service calls and can broadcast the result as a static transform.
//
//	client, err := apriltag.Dial(ctx, rosbridge.DefaultConfig(), "apriltag")
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	pose, err := client.FindPose(ctx, "block", true)
package apriltag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/teslashibe/go-tagpose/pkg/msgs"
	"github.com/teslashibe/go-tagpose/pkg/rosbridge"
)

// Result is the outcome of one Snap.
type Result struct {
	TagName    string    `json:"tag_name"`
	FrameID    string    `json:"frame_id"`
	Pose       msgs.Pose `json:"pose"`
	Found      bool      `json:"found"`
	Detections int       `json:"detections"`
	TagID      []int     `json:"tag_id,omitempty"`
	Published  bool      `json:"published"`
}

// Stats counts Interface activity.
type Stats struct {
	Namespace  string `json:"namespace"`
	FrameID    string `json:"frame_id"`
	Requests   int64  `json:"requests"`
	Found      int64  `json:"found"`
	Missed     int64  `json:"missed"`
	Failed     int64  `json:"failed"`
	Transforms int64  `json:"transforms"`
}

// Interface requests single-shot AprilTag poses. Calls are serialized.
type Interface struct {
	ns        string
	transport Transport
	owned     io.Closer
	opts      Options
	logger    *slog.Logger

	snapService     string
	analyzeService  string
	cameraInfoTopic string

	// camera info in request is fixed once New returns
	frameID string
	request msgs.AnalyzeSingleImageRequest
	pub     Publisher

	mu sync.Mutex

	requests   atomic.Int64
	found      atomic.Int64
	missed     atomic.Int64
	failed     atomic.Int64
	transforms atomic.Int64
}

// cameraInfoFuture is resolved by the first camera info message only.
type cameraInfoFuture struct {
	once sync.Once
	done chan struct{}
	info msgs.CameraInfo
}

func newCameraInfoFuture() *cameraInfoFuture {
	return &cameraInfoFuture{done: make(chan struct{})}
}

func (f *cameraInfoFuture) resolve(info msgs.CameraInfo) bool {
	resolved := false
	f.once.Do(func() {
		f.info = info
		resolved = true
		close(f.done)
	})
	return resolved
}

// New prepares an Interface on a transport the caller has already started.
//
// It resolves the camera info topic from /<namespace>/camera_info_topic,
// waits for the capture and analyze services, then blocks until the first
// camera info message arrives. Cancelling ctx is the only way out of the
// wait unless WithMetadataTimeout is set.
func New(ctx context.Context, t Transport, namespace string, opts ...Option) (*Interface, error) {
	o := DefaultOptions()
	o.Apply(opts...)

	ns := strings.Trim(namespace, "/")
	if ns == "" {
		return nil, fmt.Errorf("apriltag: namespace required")
	}

	a := &Interface{
		ns:             ns,
		transport:      t,
		opts:           *o,
		logger:         o.Logger.With("component", "apriltag", "namespace", ns),
		snapService:    "/" + ns + "/snap_picture",
		analyzeService: "/" + ns + "/single_image_tag_detection",
		request: msgs.AnalyzeSingleImageRequest{
			FullPathWhereToGetImage:  o.ImagePath,
			FullPathWhereToSaveImage: o.SavePath,
		},
	}

	topic, err := a.resolveCameraInfoTopic(ctx)
	if err != nil {
		return nil, err
	}
	a.cameraInfoTopic = topic

	for _, svc := range []string{a.snapService, a.analyzeService} {
		if err := t.WaitForService(ctx, svc); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrServiceUnavailable, svc, err)
		}
	}

	future := newCameraInfoFuture()
	sub, err := t.Subscribe(ctx, topic, msgs.TypeCameraInfo, func(raw json.RawMessage) {
		var info msgs.CameraInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			a.logger.Warn("ignoring malformed camera info", "topic", topic, "error", err)
			return
		}
		if info.IsZero() {
			a.logger.Warn("ignoring empty camera info", "topic", topic)
			return
		}
		if !future.resolve(info) {
			a.logger.Debug("ignoring repeated camera info", "topic", topic)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("apriltag: subscribe %s: %w", topic, err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			a.logger.Debug("unsubscribe failed", "topic", topic, "error", err)
		}
	}()

	a.pub, err = t.Advertise(ctx, o.TransformTopic, msgs.TypeTransformStamped, o.QueueSize)
	if err != nil {
		return nil, fmt.Errorf("apriltag: advertise %s: %w", o.TransformTopic, err)
	}

	if err := a.awaitCameraInfo(ctx, future); err != nil {
		a.pub.Close()
		return nil, err
	}

	a.request.CameraInfo = future.info.Clone()
	a.frameID = future.info.Header.FrameID

	fx, fy := future.info.Focal()
	cx, cy := future.info.Center()
	a.logger.Info("initialized apriltag interface",
		"camera_info_topic", topic,
		"frame_id", a.frameID,
		"width", future.info.Width,
		"height", future.info.Height,
		"fx", fx, "fy", fy, "cx", cx, "cy", cy,
	)
	return a, nil
}

// Dial connects its own rosbridge client and builds an Interface on it.
// The client is closed together with the Interface.
func Dial(ctx context.Context, cfg rosbridge.Config, namespace string, opts ...Option) (*Interface, error) {
	o := DefaultOptions()
	o.Apply(opts...)

	client, err := rosbridge.New(cfg, o.Logger)
	if err != nil {
		return nil, err
	}
	if err := client.ConnectWithRetry(ctx); err != nil {
		return nil, err
	}

	a, err := New(ctx, FromRosbridge(client), namespace, opts...)
	if err != nil {
		client.Close()
		return nil, err
	}
	a.owned = client
	return a, nil
}

func (a *Interface) resolveCameraInfoTopic(ctx context.Context) (string, error) {
	param := "/" + a.ns + "/camera_info_topic"

	raw, err := a.transport.GetParam(ctx, param)
	if err != nil {
		if errors.Is(err, rosbridge.ErrParamNotFound) {
			return "", fmt.Errorf("%w: %s", ErrConfigMissing, param)
		}
		return "", fmt.Errorf("%w: %s: %w", ErrConfigMissing, param, err)
	}

	var topic string
	if err := json.Unmarshal(raw, &topic); err != nil {
		return "", fmt.Errorf("%w: %s is not a string: %s", ErrConfigMissing, param, raw)
	}
	topic = strings.Trim(topic, "/")
	if topic == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrConfigMissing, param)
	}
	return "/" + topic, nil
}

func (a *Interface) awaitCameraInfo(ctx context.Context, future *cameraInfoFuture) error {
	waitCtx := ctx
	if a.opts.MetadataTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, a.opts.MetadataTimeout)
		defer cancel()
	}

	a.logger.Info("waiting for camera info", "topic", a.cameraInfoTopic)

	select {
	case <-future.done:
		return nil
	case <-waitCtx.Done():
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("apriltag: waiting for camera info: %w", err)
		}
		return fmt.Errorf("%w on %s after %s", ErrMetadataTimeout, a.cameraInfoTopic, a.opts.MetadataTimeout)
	}
}

// FindPose captures a picture, analyzes it and returns the pose of the first
// detected tag relative to the camera frame. If no tag is visible it logs a
// warning and returns the zero Pose with a nil error. With publishTF set the
// returned pose, zero or not, is also published as a transform from the
// camera frame to tagName. An empty tagName means DefaultTagName.
func (a *Interface) FindPose(ctx context.Context, tagName string, publishTF bool) (msgs.Pose, error) {
	res, err := a.Snap(ctx, tagName, publishTF)
	if err != nil {
		return msgs.Pose{}, err
	}
	return res.Pose, nil
}

// Snap is FindPose with the detection outcome spelled out, so a tag at the
// camera origin can be told apart from no tag at all.
func (a *Interface) Snap(ctx context.Context, tagName string, publishTF bool) (Result, error) {
	if tagName == "" {
		tagName = DefaultTagName
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.requests.Add(1)
	req := a.request.Clone()

	// The analyze step reads the file the capture step writes.
	snap := msgs.SnapPictureRequest{Filepath: req.FullPathWhereToGetImage}
	if err := a.transport.CallService(ctx, a.snapService, snap, nil); err != nil {
		a.failed.Add(1)
		return Result{}, &CallError{Service: a.snapService, Err: err}
	}

	var resp msgs.AnalyzeSingleImageResponse
	if err := a.transport.CallService(ctx, a.analyzeService, req, &resp); err != nil {
		a.failed.Add(1)
		return Result{}, &CallError{Service: a.analyzeService, Err: err}
	}

	detections := resp.TagDetections.Detections
	res := Result{
		TagName:    tagName,
		FrameID:    a.frameID,
		Detections: len(detections),
	}

	if len(detections) == 0 {
		a.missed.Add(1)
		a.logger.Warn("could not find AR tag, returning zero pose", "tag", tagName)
	} else {
		a.found.Add(1)
		res.Found = true
		res.Pose = detections[0].TagPose()
		res.TagID = detections[0].ID
	}

	// A miss still publishes, with the zero pose.
	if publishTF {
		tf := msgs.TransformFromPose(a.frameID, tagName, msgs.NewTime(a.opts.Clock()), res.Pose)
		if err := a.pub.Publish(tf); err != nil {
			a.logger.Warn("failed to publish tag transform", "tag", tagName, "error", err)
		} else {
			a.transforms.Add(1)
			res.Published = true
		}
	}

	a.logger.Debug("tag pose",
		"tag", tagName,
		"id", res.TagID,
		"x", res.Pose.Position.X,
		"y", res.Pose.Position.Y,
		"z", res.Pose.Position.Z,
	)
	return res, nil
}

// Namespace returns the namespace of the perception services.
func (a *Interface) Namespace() string {
	return a.ns
}

// FrameID returns the camera image frame poses are expressed in.
func (a *Interface) FrameID() string {
	return a.frameID
}

// CameraInfo returns a copy of the camera info received at startup.
func (a *Interface) CameraInfo() msgs.CameraInfo {
	return a.request.CameraInfo.Clone()
}

// Stats returns request statistics.
func (a *Interface) Stats() Stats {
	return Stats{
		Namespace:  a.ns,
		FrameID:    a.frameID,
		Requests:   a.requests.Load(),
		Found:      a.found.Load(),
		Missed:     a.missed.Load(),
		Failed:     a.failed.Load(),
		Transforms: a.transforms.Load(),
	}
}

// Close releases the transform publisher and, for a dialed Interface, the
// rosbridge connection.
func (a *Interface) Close() error {
	var errs []error
	if a.pub != nil {
		errs = append(errs, a.pub.Close())
	}
	if a.owned != nil {
		errs = append(errs, a.owned.Close())
	}
	return errors.Join(errs...)
}
