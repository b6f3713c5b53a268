package schemas

import "time"

// GridSpec is the rows x cols overlay projected onto the viewport.
// Only the preset sizes in AllowedGridPresets are accepted.
type GridSpec struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// AllowedGridPresets is the closed set of grid sizes, ordered coarse to fine.
var AllowedGridPresets = []GridSpec{
	{Rows: 8, Cols: 6},
	{Rows: 12, Cols: 8},
	{Rows: 16, Cols: 12},
	{Rows: 24, Cols: 16},
	{Rows: 32, Cols: 24},
	{Rows: 48, Cols: 32},
	{Rows: 64, Cols: 48},
}

// DefaultGrid is the preset used until /automation/grid/set changes it.
var DefaultGrid = GridSpec{Rows: 16, Cols: 12}

// IsAllowedGrid reports whether g is one of the presets.
func IsAllowedGrid(g GridSpec) bool {
	for _, p := range AllowedGridPresets {
		if p == g {
			return true
		}
	}
	return false
}

// Viewport is the browser viewport size in CSS pixels.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// BBox is a pixel-space bounding box within the last screenshot.
type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// VisionElement is one candidate element detected by the vision model,
// bound to the grid cell containing its bbox centre.
type VisionElement struct {
	Cell       string  `json:"cell"`
	Label      string  `json:"label"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	BBox       *BBox   `json:"bbox,omitempty"`
}

// Observation is the post-action state of a browser session. Screenshot is
// a base64-encoded PNG. Readers receive copies; the live buffer is replaced
// atomically by the executor.
type Observation struct {
	CurrentURL string          `json:"current_url"`
	PageTitle  string          `json:"page_title"`
	Screenshot string          `json:"screenshot"`
	Viewport   Viewport        `json:"viewport"`
	Grid       GridSpec        `json:"grid"`
	Vision     []VisionElement `json:"vision,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}
