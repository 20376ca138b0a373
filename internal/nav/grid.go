// Package nav provides grid-based pathfinding over the world's wall layout.
package nav

import (
	"container/heap"
	"fmt"
	"math"

	"crewsim/server/internal/sim"
)

const (
	defaultCellSize  = 16.0
	defaultClearance = 6.0
)

type neighbor struct {
	col      int
	row      int
	cost     float64
	diagonal bool
}

var neighborOffsets = [...]neighbor{
	{col: 0, row: -1, cost: 1},
	{col: 1, row: 0, cost: 1},
	{col: 0, row: 1, cost: 1},
	{col: -1, row: 0, cost: 1},
	{col: 1, row: -1, cost: math.Sqrt2, diagonal: true},
	{col: 1, row: 1, cost: math.Sqrt2, diagonal: true},
	{col: -1, row: 1, cost: math.Sqrt2, diagonal: true},
	{col: -1, row: -1, cost: math.Sqrt2, diagonal: true},
}

// Grid rasterizes the walls once at construction and answers path queries
// with A*. It is immutable after construction and safe for concurrent use.
type Grid struct {
	cols, rows int
	cellSize   float64
	clearance  float64
	walkable   []bool
	width      float64
	height     float64
}

// NewGrid builds a walkability grid for the configured map. Cells whose
// center sits within clearance of a wall or the map edge are unwalkable.
func NewGrid(cfg sim.Config) *Grid {
	cellSize := defaultCellSize
	clearance := defaultClearance
	cols := int(math.Ceil(cfg.Width / cellSize))
	rows := int(math.Ceil(cfg.Height / cellSize))
	if cols <= 0 {
		cols = 1
	}
	if rows <= 0 {
		rows = 1
	}
	g := &Grid{
		cols:      cols,
		rows:      rows,
		cellSize:  cellSize,
		clearance: clearance,
		walkable:  make([]bool, cols*rows),
		width:     cfg.Width,
		height:    cfg.Height,
	}
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			cx := (float64(col) + 0.5) * cellSize
			cy := (float64(row) + 0.5) * cellSize
			if cx < clearance || cx > cfg.Width-clearance || cy < clearance || cy > cfg.Height-clearance {
				continue
			}
			blocked := false
			for _, wall := range cfg.Walls {
				if circleRectOverlap(cx, cy, clearance, wall) {
					blocked = true
					break
				}
			}
			if !blocked {
				g.walkable[row*cols+col] = true
			}
		}
	}
	return g
}

func circleRectOverlap(cx, cy, radius float64, wall sim.Wall) bool {
	nearestX := clamp(cx, wall.MinX, wall.MaxX)
	nearestY := clamp(cy, wall.MinY, wall.MaxY)
	dx := cx - nearestX
	dy := cy - nearestY
	return dx*dx+dy*dy <= radius*radius
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (g *Grid) inBounds(col, row int) bool {
	return col >= 0 && row >= 0 && col < g.cols && row < g.rows
}

func (g *Grid) index(col, row int) int {
	return row*g.cols + col
}

func (g *Grid) isWalkable(col, row int) bool {
	return g.inBounds(col, row) && g.walkable[g.index(col, row)]
}

func (g *Grid) worldPos(col, row int) sim.Vec2 {
	return sim.Vec2{
		X: (float64(col) + 0.5) * g.cellSize,
		Y: (float64(row) + 0.5) * g.cellSize,
	}
}

func (g *Grid) locate(x, y float64) (int, int, bool) {
	if g.cols == 0 || g.rows == 0 {
		return 0, 0, false
	}
	col := int(clamp(x, 0, g.width-1) / g.cellSize)
	row := int(clamp(y, 0, g.height-1) / g.cellSize)
	if !g.inBounds(col, row) {
		return 0, 0, false
	}
	return col, row, true
}

// canTraverseDiagonal forbids cutting a corner past an unwalkable cell.
func (g *Grid) canTraverseDiagonal(col, row int, delta neighbor) bool {
	if !delta.diagonal {
		return true
	}
	return g.isWalkable(col+delta.col, row) && g.isWalkable(col, row+delta.row)
}

// closestWalkable breadth-first searches outward for the nearest walkable
// cell, so a start point inside a wall still produces a path.
func (g *Grid) closestWalkable(col, row int) (int, int, bool) {
	if !g.inBounds(col, row) {
		return 0, 0, false
	}
	type cell struct{ col, row int }
	visited := map[int]struct{}{g.index(col, row): {}}
	queue := []cell{{col, row}}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if g.walkable[g.index(current.col, current.row)] {
			return current.col, current.row, true
		}
		for _, delta := range neighborOffsets {
			nc, nr := current.col+delta.col, current.row+delta.row
			if !g.inBounds(nc, nr) {
				continue
			}
			idx := g.index(nc, nr)
			if _, seen := visited[idx]; seen {
				continue
			}
			visited[idx] = struct{}{}
			queue = append(queue, cell{nc, nr})
		}
	}
	return 0, 0, false
}

type point struct{ col, row int }

// heuristic is the octile distance between two cells.
func heuristic(a, b point) float64 {
	dx := math.Abs(float64(a.col - b.col))
	dy := math.Abs(float64(a.row - b.row))
	if dx > dy {
		return dx + (math.Sqrt2-1)*dy
	}
	return dy + (math.Sqrt2-1)*dx
}

type node struct {
	point  point
	g      float64
	f      float64
	index  int
	parent *node
}

type openSet []*node

func (pq openSet) Len() int           { return len(pq) }
func (pq openSet) Less(i, j int) bool { return pq[i].f < pq[j].f }
func (pq openSet) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *openSet) Push(x any) {
	item := x.(*node)
	item.index = len(*pq)
	*pq = append(*pq, item)
}

func (pq *openSet) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[:n-1]
	return item
}

func (g *Grid) astar(start, goal point) ([]point, bool) {
	open := &openSet{}
	heap.Init(open)
	heap.Push(open, &node{point: start, f: heuristic(start, goal)})
	gScore := map[int]float64{g.index(start.col, start.row): 0}
	closed := make(map[int]struct{})

	for open.Len() > 0 {
		current := heap.Pop(open).(*node)
		currIdx := g.index(current.point.col, current.point.row)
		if _, seen := closed[currIdx]; seen {
			continue
		}
		closed[currIdx] = struct{}{}
		if current.point == goal {
			return reconstruct(current), true
		}
		for _, delta := range neighborOffsets {
			if !g.canTraverseDiagonal(current.point.col, current.point.row, delta) {
				continue
			}
			nc, nr := current.point.col+delta.col, current.point.row+delta.row
			if !g.isWalkable(nc, nr) {
				continue
			}
			idx := g.index(nc, nr)
			if _, seen := closed[idx]; seen {
				continue
			}
			tentative := current.g + delta.cost
			if prev, ok := gScore[idx]; ok && tentative >= prev {
				continue
			}
			gScore[idx] = tentative
			next := point{nc, nr}
			heap.Push(open, &node{
				point:  next,
				g:      tentative,
				f:      tentative + heuristic(next, goal),
				parent: current,
			})
		}
	}
	return nil, false
}

func reconstruct(end *node) []point {
	var path []point
	for n := end; n != nil; n = n.parent {
		path = append(path, n.point)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// FindPath returns waypoints from start to end, ending exactly on end. The
// start cell is relaxed to the nearest walkable cell; an unwalkable goal is
// an error.
func (g *Grid) FindPath(start, end sim.Vec2) ([]sim.Vec2, error) {
	startCol, startRow, ok := g.locate(start.X, start.Y)
	if !ok {
		return nil, fmt.Errorf("nav: start %v outside grid", start)
	}
	goalCol, goalRow, ok := g.locate(end.X, end.Y)
	if !ok {
		return nil, fmt.Errorf("nav: goal %v outside grid", end)
	}
	if !g.isWalkable(startCol, startRow) {
		startCol, startRow, ok = g.closestWalkable(startCol, startRow)
		if !ok {
			return nil, fmt.Errorf("nav: no walkable cell near start %v", start)
		}
	}
	if !g.isWalkable(goalCol, goalRow) {
		return nil, fmt.Errorf("nav: goal %v is blocked", end)
	}
	cells, ok := g.astar(point{startCol, startRow}, point{goalCol, goalRow})
	if !ok || len(cells) == 0 {
		return nil, fmt.Errorf("nav: no path from %v to %v", start, end)
	}
	if len(cells) == 1 {
		return []sim.Vec2{end}, nil
	}
	path := make([]sim.Vec2, 0, len(cells))
	for i := 1; i < len(cells); i++ {
		path = append(path, g.worldPos(cells[i].col, cells[i].row))
	}
	last := path[len(path)-1]
	if math.Hypot(last.X-end.X, last.Y-end.Y) > 1 {
		path = append(path, end)
	} else {
		path[len(path)-1] = end
	}
	return path, nil
}
