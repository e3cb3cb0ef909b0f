package msgs

// RegionOfInterest is sensor_msgs/RegionOfInterest.
type RegionOfInterest struct {
	XOffset   uint32 `json:"x_offset"`
	YOffset   uint32 `json:"y_offset"`
	Height    uint32 `json:"height"`
	Width     uint32 `json:"width"`
	DoRectify bool   `json:"do_rectify"`
}

// CameraInfo is sensor_msgs/CameraInfo: the intrinsics of the camera that
// produced an image plus the frame the image lives in.
type CameraInfo struct {
	Header          Header           `json:"header"`
	Height          uint32           `json:"height"`
	Width           uint32           `json:"width"`
	DistortionModel string           `json:"distortion_model"`
	D               []float64        `json:"D"`
	K               [9]float64       `json:"K"`
	R               [9]float64       `json:"R"`
	P               [12]float64      `json:"P"`
	BinningX        uint32           `json:"binning_x"`
	BinningY        uint32           `json:"binning_y"`
	ROI             RegionOfInterest `json:"roi"`
}

// IsZero reports whether the message carries no calibration at all, as
// published by a camera driver that has not loaded one.
func (c CameraInfo) IsZero() bool {
	return c.Header.FrameID == "" && c.Width == 0 && c.Height == 0 &&
		c.K == [9]float64{} && c.P == [12]float64{} && len(c.D) == 0
}

// Clone returns a deep copy.
func (c CameraInfo) Clone() CameraInfo {
	if c.D != nil {
		d := make([]float64, len(c.D))
		copy(d, c.D)
		c.D = d
	}
	return c
}

// Focal returns fx and fy from the intrinsic matrix.
func (c CameraInfo) Focal() (fx, fy float64) {
	return c.K[0], c.K[4]
}

// Center returns the principal point cx, cy.
func (c CameraInfo) Center() (cx, cy float64) {
	return c.K[2], c.K[5]
}
