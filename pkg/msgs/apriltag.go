package msgs

// AprilTagDetection is apriltag_ros/AprilTagDetection. ID and Size hold more
// than one entry when the detection is a tag bundle.
type AprilTagDetection struct {
	ID   []int                     `json:"id"`
	Size []float64                 `json:"size"`
	Pose PoseWithCovarianceStamped `json:"pose"`
}

// TagPose returns the bare pose of the detection.
func (d *AprilTagDetection) TagPose() Pose {
	return d.Pose.Pose.Pose
}

// AprilTagDetectionArray is apriltag_ros/AprilTagDetectionArray.
type AprilTagDetectionArray struct {
	Header     Header              `json:"header"`
	Detections []AprilTagDetection `json:"detections"`
}

// AnalyzeSingleImageRequest is the request of apriltag_ros/AnalyzeSingleImage.
type AnalyzeSingleImageRequest struct {
	FullPathWhereToGetImage  string     `json:"full_path_where_to_get_image"`
	FullPathWhereToSaveImage string     `json:"full_path_where_to_save_image"`
	CameraInfo               CameraInfo `json:"camera_info"`
}

// Clone returns a deep copy.
func (r AnalyzeSingleImageRequest) Clone() AnalyzeSingleImageRequest {
	r.CameraInfo = r.CameraInfo.Clone()
	return r
}

// AnalyzeSingleImageResponse is the response of apriltag_ros/AnalyzeSingleImage.
type AnalyzeSingleImageResponse struct {
	TagDetections AprilTagDetectionArray `json:"tag_detections"`
}

// SnapPictureRequest asks the capture service to save a frame to Filepath.
type SnapPictureRequest struct {
	Filepath string `json:"filepath"`
}

// SnapPictureResponse carries nothing.
type SnapPictureResponse struct{}
