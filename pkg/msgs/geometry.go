// Package msgs defines the ROS message shapes exchanged with the perception
// pipeline. Field tags follow the rosbridge JSON encoding of ROS1 messages.
package msgs

import "time"

// Time is a ROS timestamp.
type Time struct {
	Secs  uint32 `json:"secs"`
	Nsecs uint32 `json:"nsecs"`
}

// NewTime converts a wall-clock time to a ROS timestamp.
func NewTime(t time.Time) Time {
	return Time{
		Secs:  uint32(t.Unix()),
		Nsecs: uint32(t.Nanosecond()),
	}
}

// Time converts back to a time.Time.
func (t Time) Time() time.Time {
	return time.Unix(int64(t.Secs), int64(t.Nsecs))
}

// IsZero reports whether the timestamp is unset.
func (t Time) IsZero() bool {
	return t.Secs == 0 && t.Nsecs == 0
}

// Header is std_msgs/Header.
type Header struct {
	Seq     uint32 `json:"seq"`
	Stamp   Time   `json:"stamp"`
	FrameID string `json:"frame_id"`
}

// Point is geometry_msgs/Point.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Vector3 is geometry_msgs/Vector3.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Quaternion is geometry_msgs/Quaternion.
// The zero value is all zeros, as in ROS, not the identity rotation.
type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// Pose is geometry_msgs/Pose.
type Pose struct {
	Position    Point      `json:"position"`
	Orientation Quaternion `json:"orientation"`
}

// IsZero reports whether every component of the pose is zero.
func (p Pose) IsZero() bool {
	return p == Pose{}
}

// PoseWithCovariance is geometry_msgs/PoseWithCovariance.
type PoseWithCovariance struct {
	Pose       Pose      `json:"pose"`
	Covariance []float64 `json:"covariance"`
}

// PoseWithCovarianceStamped is geometry_msgs/PoseWithCovarianceStamped.
type PoseWithCovarianceStamped struct {
	Header Header             `json:"header"`
	Pose   PoseWithCovariance `json:"pose"`
}

// Transform is geometry_msgs/Transform.
type Transform struct {
	Translation Vector3    `json:"translation"`
	Rotation    Quaternion `json:"rotation"`
}

// TransformStamped is geometry_msgs/TransformStamped.
type TransformStamped struct {
	Header       Header    `json:"header"`
	ChildFrameID string    `json:"child_frame_id"`
	Transform    Transform `json:"transform"`
}

// TransformFromPose builds the transform that places child at pose within parent.
func TransformFromPose(parent, child string, stamp Time, pose Pose) TransformStamped {
	return TransformStamped{
		Header: Header{
			Stamp:   stamp,
			FrameID: parent,
		},
		ChildFrameID: child,
		Transform: Transform{
			Translation: Vector3{
				X: pose.Position.X,
				Y: pose.Position.Y,
				Z: pose.Position.Z,
			},
			Rotation: pose.Orientation,
		},
	}
}

// ROS type names used when subscribing and advertising.
const (
	TypeCameraInfo       = "sensor_msgs/CameraInfo"
	TypeTransformStamped = "geometry_msgs/TransformStamped"
)
