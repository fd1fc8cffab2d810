package nn

// Detection is one object that the model found in a point cloud
type Detection struct {
	Label int     `json:"label"` // 1-based class index
	Score float32 `json:"score"` // Model confidence. Not written to the text output.
	Box   Box3D   `json:"box"`
}
