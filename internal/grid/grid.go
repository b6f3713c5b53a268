// Package grid implements the spreadsheet-style cell addressing projected
// onto the browser viewport. A cell label is column letters (base-26, A=1)
// followed by a 1-based row number; A1 is the top-left cell. All positional
// browser actions are expressed as cell labels and converted to pixels here,
// so changing the grid preset never breaks callers.
package grid

import (
	"fmt"
	"strings"

	"github.com/vortexops/webpilot/api/schemas"
)

// Cell is a parsed cell address. Col and Row are 1-based.
type Cell struct {
	Col int
	Row int
}

// ParseLabel converts a label such as "C5" or "AA12" into a Cell.
func ParseLabel(label string) (Cell, error) {
	label = strings.ToUpper(strings.TrimSpace(label))
	if label == "" {
		return Cell{}, fmt.Errorf("%w: empty cell label", schemas.ErrInvalidInput)
	}

	split := 0
	for split < len(label) && label[split] >= 'A' && label[split] <= 'Z' {
		split++
	}
	if split == 0 || split == len(label) {
		return Cell{}, fmt.Errorf("%w: malformed cell label %q", schemas.ErrInvalidInput, label)
	}

	col := 0
	for i := 0; i < split; i++ {
		col = col*26 + int(label[i]-'A') + 1
	}

	row := 0
	for i := split; i < len(label); i++ {
		ch := label[i]
		if ch < '0' || ch > '9' {
			return Cell{}, fmt.Errorf("%w: malformed cell label %q", schemas.ErrInvalidInput, label)
		}
		row = row*10 + int(ch-'0')
	}
	if row == 0 {
		return Cell{}, fmt.Errorf("%w: row numbers are 1-based in %q", schemas.ErrInvalidInput, label)
	}

	return Cell{Col: col, Row: row}, nil
}

// Label renders the canonical label for the cell.
func (c Cell) Label() string {
	if c.Col < 1 || c.Row < 1 {
		return ""
	}
	var letters []byte
	col := c.Col
	for col > 0 {
		col--
		letters = append([]byte{byte('A' + col%26)}, letters...)
		col /= 26
	}
	return fmt.Sprintf("%s%d", letters, c.Row)
}

// In reports whether the cell lies inside the given grid.
func (c Cell) In(g schemas.GridSpec) bool {
	return c.Col >= 1 && c.Col <= g.Cols && c.Row >= 1 && c.Row <= g.Rows
}

// Project returns the pixel coordinates of the cell centre within the
// viewport: px = (col-0.5)/cols * width, py = (row-0.5)/rows * height.
func Project(c Cell, g schemas.GridSpec, vp schemas.Viewport) (float64, float64, error) {
	if g.Rows <= 0 || g.Cols <= 0 {
		return 0, 0, fmt.Errorf("%w: grid has no extent", schemas.ErrInvalidInput)
	}
	if !c.In(g) {
		return 0, 0, fmt.Errorf("%w: cell %s outside %dx%d grid", schemas.ErrOutOfBounds, c.Label(), g.Rows, g.Cols)
	}
	px := (float64(c.Col) - 0.5) / float64(g.Cols) * float64(vp.Width)
	py := (float64(c.Row) - 0.5) / float64(g.Rows) * float64(vp.Height)
	if px < 0 || px > float64(vp.Width) || py < 0 || py > float64(vp.Height) {
		return 0, 0, fmt.Errorf("%w: cell %s projects to (%.1f, %.1f)", schemas.ErrOutOfBounds, c.Label(), px, py)
	}
	return px, py, nil
}

// ProjectLabel parses the label and projects it in one step.
func ProjectLabel(label string, g schemas.GridSpec, vp schemas.Viewport) (float64, float64, error) {
	cell, err := ParseLabel(label)
	if err != nil {
		return 0, 0, err
	}
	return Project(cell, g, vp)
}

// CellForPoint returns the cell containing the pixel (x, y). Points on the
// viewport edge clamp into the outermost cell.
func CellForPoint(x, y float64, g schemas.GridSpec, vp schemas.Viewport) Cell {
	col := int(x/float64(vp.Width)*float64(g.Cols)) + 1
	row := int(y/float64(vp.Height)*float64(g.Rows)) + 1
	if col < 1 {
		col = 1
	}
	if col > g.Cols {
		col = g.Cols
	}
	if row < 1 {
		row = 1
	}
	if row > g.Rows {
		row = g.Rows
	}
	return Cell{Col: col, Row: row}
}
