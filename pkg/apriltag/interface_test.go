package apriltag

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-tagpose/pkg/msgs"
)

const (
	testNS          = "apriltag"
	testInfoTopic   = "/camera/color/camera_info"
	testSnap        = "/apriltag/snap_picture"
	testAnalyze     = "/apriltag/single_image_tag_detection"
	testCameraFrame = "camera_color_optical_frame"
)

func testCameraInfo(frame string, fx float64) msgs.CameraInfo {
	return msgs.CameraInfo{
		Header:          msgs.Header{FrameID: frame},
		Width:           640,
		Height:          480,
		DistortionModel: "plumb_bob",
		D:               []float64{0, 0, 0, 0, 0},
		K:               [9]float64{fx, 0, 320, 0, fx, 240, 0, 0, 1},
		P:               [12]float64{fx, 0, 320, 0, 0, fx, 240, 0, 0, 0, 1, 0},
	}
}

func testDetection(id int, x, y, z float64) msgs.AprilTagDetection {
	return msgs.AprilTagDetection{
		ID:   []int{id},
		Size: []float64{0.02},
		Pose: msgs.PoseWithCovarianceStamped{
			Pose: msgs.PoseWithCovariance{
				Pose: msgs.Pose{
					Position:    msgs.Point{X: x, Y: y, Z: z},
					Orientation: msgs.Quaternion{X: 0.1, Y: -0.2, Z: 0.3, W: 0.927},
				},
			},
		},
	}
}

func analyzeReturns(dets ...msgs.AprilTagDetection) func(any) (any, error) {
	return func(any) (any, error) {
		return msgs.AnalyzeSingleImageResponse{
			TagDetections: msgs.AprilTagDetectionArray{Detections: dets},
		}, nil
	}
}

func newMock() *MockTransport {
	return NewMockTransport(testNS, testInfoTopic, testCameraInfo(testCameraFrame, 615))
}

func newTestInterface(t *testing.T, m *MockTransport, opts ...Option) *Interface {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	a, err := New(ctx, m, testNS, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

type newResult struct {
	a   *Interface
	err error
}

func TestNew_BlocksUntilCameraInfo(t *testing.T) {
	m := newMock()
	m.Latched = nil

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan newResult, 1)
	go func() {
		a, err := New(ctx, m, testNS)
		done <- newResult{a, err}
	}()

	require.Eventually(t, func() bool { return m.Subscribers(testInfoTopic) == 1 }, time.Second, 5*time.Millisecond)

	select {
	case res := <-done:
		t.Fatalf("New returned without camera info: %v", res.err)
	case <-time.After(100 * time.Millisecond):
	}

	// Shutdown is the only way out.
	cancel()

	select {
	case res := <-done:
		assert.Nil(t, res.a)
		assert.ErrorIs(t, res.err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("New did not return after cancel")
	}
	assert.True(t, m.PublisherClosed())
	assert.Equal(t, 0, m.Subscribers(testInfoTopic))
}

func TestNew_CameraInfoAfterSubscribe(t *testing.T) {
	m := newMock()
	m.Latched = nil

	done := make(chan newResult, 1)
	go func() {
		a, err := New(context.Background(), m, testNS)
		done <- newResult{a, err}
	}()

	require.Eventually(t, func() bool { return m.Subscribers(testInfoTopic) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Emit(testInfoTopic, testCameraInfo("first_frame", 600)))

	var res newResult
	select {
	case res = <-done:
	case <-time.After(time.Second):
		t.Fatal("New did not return after camera info")
	}
	require.NoError(t, res.err)
	defer res.a.Close()

	assert.Equal(t, "first_frame", res.a.FrameID())
	assert.Equal(t, 0, m.Subscribers(testInfoTopic), "listener should be released")

	require.NoError(t, m.Emit(testInfoTopic, testCameraInfo("second_frame", 900)))
	assert.Equal(t, "first_frame", res.a.FrameID())
	fx, _ := res.a.CameraInfo().Focal()
	assert.Equal(t, 600.0, fx)
}

func TestNew_FirstCameraInfoWins(t *testing.T) {
	m := newMock()
	m.Latched[testInfoTopic] = []any{
		testCameraInfo("first_frame", 600),
		testCameraInfo("second_frame", 900),
	}

	a := newTestInterface(t, m)

	assert.Equal(t, "first_frame", a.FrameID())
	info := a.CameraInfo()
	fx, fy := info.Focal()
	assert.Equal(t, 600.0, fx)
	assert.Equal(t, 600.0, fy)
}

func TestNew_IgnoresMalformedAndEmptyCameraInfo(t *testing.T) {
	m := newMock()
	m.Latched[testInfoTopic] = []any{
		map[string]any{"header": "not a header"},
		msgs.CameraInfo{},
		testCameraInfo("good_frame", 600),
	}

	a := newTestInterface(t, m)
	assert.Equal(t, "good_frame", a.FrameID())
}

func TestNew_TopicNormalization(t *testing.T) {
	m := newMock()
	m.Params["/wrist/camera_info_topic"] = "camera/color/camera_info/"
	m.Services["/wrist/snap_picture"] = true
	m.Services["/wrist/single_image_tag_detection"] = true

	a, err := New(context.Background(), m, "/wrist/")
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, "wrist", a.Namespace())
	assert.Equal(t, testCameraFrame, a.FrameID())
}

func TestNew_ConfigMissing(t *testing.T) {
	tests := []struct {
		name  string
		param any
		set   bool
	}{
		{"absent", nil, false},
		{"not_a_string", 42, true},
		{"empty", "/", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMock()
			delete(m.Params, "/apriltag/camera_info_topic")
			if tt.set {
				m.Params["/apriltag/camera_info_topic"] = tt.param
			}

			_, err := New(context.Background(), m, testNS)
			assert.ErrorIs(t, err, ErrConfigMissing)
			assert.Empty(t, m.Calls())
		})
	}
}

func TestNew_NamespaceRequired(t *testing.T) {
	_, err := New(context.Background(), newMock(), "//")
	assert.Error(t, err)
}

func TestNew_ServiceUnavailable(t *testing.T) {
	m := newMock()
	delete(m.Services, testAnalyze)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := New(ctx, m, testNS)
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), testAnalyze)
	assert.Equal(t, 0, m.Subscribers(testInfoTopic))
}

func TestNew_MetadataTimeout(t *testing.T) {
	m := newMock()
	m.Latched = nil

	_, err := New(context.Background(), m, testNS, WithMetadataTimeout(30*time.Millisecond))
	assert.ErrorIs(t, err, ErrMetadataTimeout)
	assert.True(t, m.PublisherClosed())
}

func TestFindPose_NoDetections(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	m := newMock()
	m.Handlers[testAnalyze] = analyzeReturns()
	a := newTestInterface(t, m, WithLogger(logger))

	pose, err := a.FindPose(context.Background(), "block", true)
	require.NoError(t, err)

	assert.Equal(t, 0.0, pose.Position.X)
	assert.Equal(t, 0.0, pose.Position.Y)
	assert.Equal(t, 0.0, pose.Position.Z)
	assert.True(t, pose.IsZero())
	assert.Contains(t, logs.String(), "level=WARN")
	assert.Contains(t, logs.String(), "could not find AR tag")
	assert.EqualValues(t, 1, a.Stats().Missed)

	published := m.Published()
	require.Len(t, published, 1, "a miss still publishes the zero transform")
	tf, ok := published[0].(msgs.TransformStamped)
	require.True(t, ok, "published %T", published[0])
	assert.Equal(t, testCameraFrame, tf.Header.FrameID)
	assert.Equal(t, "block", tf.ChildFrameID)
	assert.Equal(t, msgs.Vector3{}, tf.Transform.Translation)
	assert.Equal(t, msgs.Quaternion{}, tf.Transform.Rotation)
}

func TestSnap_MissReportsNotFound(t *testing.T) {
	m := newMock()
	m.Handlers[testAnalyze] = analyzeReturns()
	a := newTestInterface(t, m)

	res, err := a.Snap(context.Background(), "block", true)
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Zero(t, res.Detections)
	assert.True(t, res.Published)
	assert.EqualValues(t, 1, a.Stats().Transforms)

	res, err = a.Snap(context.Background(), "block", false)
	require.NoError(t, err)
	assert.False(t, res.Published)
	assert.Len(t, m.Published(), 1)
}

func TestFindPose_FirstDetectionWins(t *testing.T) {
	first := testDetection(1, 0.1, 0.2, 0.3)
	second := testDetection(2, -0.5, 0.7, 1.1)
	require.NotEqual(t, first.TagPose(), second.TagPose())

	m := newMock()
	m.Handlers[testAnalyze] = analyzeReturns(first, second)
	a := newTestInterface(t, m)

	pose, err := a.FindPose(context.Background(), "", false)
	require.NoError(t, err)
	assert.Equal(t, first.TagPose(), pose)
}

func TestFindPose_PublishTransform(t *testing.T) {
	det := testDetection(7, 0.123456789, -0.987654321, 0.5)
	stamp := time.Unix(1700000000, 42)

	m := newMock()
	m.Handlers[testAnalyze] = analyzeReturns(det, testDetection(8, 1, 1, 1))
	a := newTestInterface(t, m, WithClock(func() time.Time { return stamp }))

	pose, err := a.FindPose(context.Background(), "block", true)
	require.NoError(t, err)

	published := m.Published()
	require.Len(t, published, 1)
	tf, ok := published[0].(msgs.TransformStamped)
	require.True(t, ok, "published %T", published[0])

	assert.Equal(t, testCameraFrame, tf.Header.FrameID)
	assert.Equal(t, "block", tf.ChildFrameID)
	assert.Equal(t, msgs.NewTime(stamp), tf.Header.Stamp)

	want := det.TagPose()
	assert.Equal(t, want, pose)
	bits := math.Float64bits
	assert.Equal(t, bits(want.Position.X), bits(tf.Transform.Translation.X))
	assert.Equal(t, bits(want.Position.Y), bits(tf.Transform.Translation.Y))
	assert.Equal(t, bits(want.Position.Z), bits(tf.Transform.Translation.Z))
	assert.Equal(t, want.Orientation, tf.Transform.Rotation)
	assert.EqualValues(t, 1, a.Stats().Transforms)
}

func TestFindPose_NoPublishWhenDisabled(t *testing.T) {
	m := newMock()
	m.Handlers[testAnalyze] = analyzeReturns(testDetection(1, 1, 2, 3))
	a := newTestInterface(t, m)

	_, err := a.FindPose(context.Background(), "block", false)
	require.NoError(t, err)

	m.Handlers[testAnalyze] = analyzeReturns()
	_, err = a.FindPose(context.Background(), "block", false)
	require.NoError(t, err)

	assert.Empty(t, m.Published())
}

func TestFindPose_CaptureFailureShortCircuits(t *testing.T) {
	boom := errors.New("camera unplugged")

	m := newMock()
	m.Handlers[testSnap] = func(any) (any, error) { return nil, boom }
	m.Handlers[testAnalyze] = func(any) (any, error) {
		t.Error("analyze must not run after a failed capture")
		return nil, nil
	}
	a := newTestInterface(t, m)

	_, err := a.FindPose(context.Background(), "block", true)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var callErr *CallError
	require.True(t, errors.As(err, &callErr))
	assert.Equal(t, testSnap, callErr.Service)

	calls := m.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, testSnap, calls[0].Service)
	assert.Empty(t, m.Published())
	assert.EqualValues(t, 1, a.Stats().Failed)
}

func TestFindPose_AnalyzeFailure(t *testing.T) {
	m := newMock()
	m.Handlers[testAnalyze] = func(any) (any, error) { return nil, errors.New("malformed response") }
	a := newTestInterface(t, m)

	_, err := a.FindPose(context.Background(), "block", false)

	var callErr *CallError
	require.True(t, errors.As(err, &callErr))
	assert.Equal(t, testAnalyze, callErr.Service)
}

func TestFindPose_RequestContents(t *testing.T) {
	m := newMock()
	a := newTestInterface(t, m,
		WithImagePath("/data/raw.png"),
		WithSavePath("/data/annotated.png"),
	)

	_, err := a.FindPose(context.Background(), "block", false)
	require.NoError(t, err)

	calls := m.Calls()
	require.Len(t, calls, 2)

	assert.Equal(t, testSnap, calls[0].Service)
	assert.Equal(t, msgs.SnapPictureRequest{Filepath: "/data/raw.png"}, calls[0].Args)

	assert.Equal(t, testAnalyze, calls[1].Service)
	req, ok := calls[1].Args.(msgs.AnalyzeSingleImageRequest)
	require.True(t, ok, "analyze args %T", calls[1].Args)
	assert.Equal(t, "/data/raw.png", req.FullPathWhereToGetImage)
	assert.Equal(t, "/data/annotated.png", req.FullPathWhereToSaveImage)
	assert.Equal(t, testCameraFrame, req.CameraInfo.Header.FrameID)
	assert.Equal(t, 615.0, req.CameraInfo.K[0])
}

func TestSnap_Result(t *testing.T) {
	m := newMock()
	m.Handlers[testAnalyze] = analyzeReturns(testDetection(3, 0, 0, 0), testDetection(4, 1, 1, 1))
	a := newTestInterface(t, m)

	res, err := a.Snap(context.Background(), "", true)
	require.NoError(t, err)

	assert.Equal(t, DefaultTagName, res.TagName)
	assert.Equal(t, testCameraFrame, res.FrameID)
	assert.True(t, res.Found, "a tag at the camera origin is still found")
	assert.Equal(t, 2, res.Detections)
	assert.Equal(t, []int{3}, res.TagID)
	assert.True(t, res.Published)

	tf := m.Published()[0].(msgs.TransformStamped)
	assert.Equal(t, DefaultTagName, tf.ChildFrameID)
}

func TestFindPose_Serialized(t *testing.T) {
	var inflight, maxInflight atomic.Int32

	m := newMock()
	m.Handlers[testSnap] = func(any) (any, error) {
		n := inflight.Add(1)
		for {
			cur := maxInflight.Load()
			if n <= cur || maxInflight.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return nil, nil
	}
	m.Handlers[testAnalyze] = func(any) (any, error) {
		defer inflight.Add(-1)
		return msgs.AnalyzeSingleImageResponse{
			TagDetections: msgs.AprilTagDetectionArray{Detections: []msgs.AprilTagDetection{testDetection(1, 1, 2, 3)}},
		}, nil
	}
	a := newTestInterface(t, m)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.FindPose(context.Background(), "block", true)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInflight.Load())
	assert.Len(t, m.Published(), 8)
	assert.EqualValues(t, 8, a.Stats().Requests)
}

func TestClose(t *testing.T) {
	m := newMock()
	a, err := New(context.Background(), m, testNS)
	require.NoError(t, err)

	require.NoError(t, a.Close())
	assert.True(t, m.PublisherClosed())

	// Publishing after close is logged, not returned.
	m.Handlers[testAnalyze] = analyzeReturns(testDetection(1, 1, 2, 3))
	res, err := a.Snap(context.Background(), "block", true)
	require.NoError(t, err)
	assert.False(t, res.Published)
}
