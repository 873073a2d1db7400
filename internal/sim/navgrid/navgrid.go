// Package navgrid is a uniform-cell walkability grid with an 8-connected A*
// search. It backs the pawn's navigation queries.
package navgrid

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
)

var (
	ErrUnreachable = errors.New("target unreachable")
	ErrOutOfBounds = errors.New("position outside grid")
)

type Vec2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (v Vec2) Sub(o Vec2) Vec2 { return Vec2{X: v.X - o.X, Y: v.Y - o.Y} }
func (v Vec2) Add(o Vec2) Vec2 { return Vec2{X: v.X + o.X, Y: v.Y + o.Y} }
func (v Vec2) Scale(f float64) Vec2 { return Vec2{X: v.X * f, Y: v.Y * f} }
func (v Vec2) Len() float64 { return math.Hypot(v.X, v.Y) }
func (v Vec2) Dist(o Vec2) float64 { return v.Sub(o).Len() }
func (v Vec2) Within(o Vec2, r float64) bool { return v.Dist(o) <= r }

// Path is a list of waypoints, not including the start position. The last
// waypoint is always the requested target.
type Path []Vec2

// Length is the polyline length from start through every waypoint.
func (p Path) Length(start Vec2) float64 {
	total := 0.0
	prev := start
	for _, w := range p {
		total += prev.Dist(w)
		prev = w
	}
	return total
}

type Cell struct {
	Col int `json:"col" yaml:"col"`
	Row int `json:"row" yaml:"row"`
}

type step struct {
	dc, dr   int
	cost     float64
	diagonal bool
}

var steps = [...]step{
	{0, -1, 1, false},
	{1, 0, 1, false},
	{0, 1, 1, false},
	{-1, 0, 1, false},
	{1, -1, math.Sqrt2, true},
	{1, 1, math.Sqrt2, true},
	{-1, 1, math.Sqrt2, true},
	{-1, -1, math.Sqrt2, true},
}

// Grid is immutable after New and safe for concurrent queries.
type Grid struct {
	cols, rows int
	cellSize   float64
	walkable   []bool
}

// New builds a cols x rows grid of square cells. Cells listed in blocked are
// not walkable; out-of-range entries are ignored.
func New(cols, rows int, cellSize float64, blocked []Cell) *Grid {
	if cols <= 0 {
		cols = 1
	}
	if rows <= 0 {
		rows = 1
	}
	if cellSize <= 0 {
		cellSize = 1
	}
	g := &Grid{cols: cols, rows: rows, cellSize: cellSize, walkable: make([]bool, cols*rows)}
	for i := range g.walkable {
		g.walkable[i] = true
	}
	for _, c := range blocked {
		if g.inBounds(c.Col, c.Row) {
			g.walkable[g.index(c.Col, c.Row)] = false
		}
	}
	return g
}

func (g *Grid) Cols() int { return g.cols }
func (g *Grid) Rows() int { return g.rows }
func (g *Grid) CellSize() float64 { return g.cellSize }
func (g *Grid) Width() float64 { return float64(g.cols) * g.cellSize }
func (g *Grid) Height() float64 { return float64(g.rows) * g.cellSize }

func (g *Grid) inBounds(col, row int) bool {
	return col >= 0 && row >= 0 && col < g.cols && row < g.rows
}

func (g *Grid) index(col, row int) int { return row*g.cols + col }

// Walkable reports whether the cell is inside the grid and not blocked.
func (g *Grid) Walkable(col, row int) bool {
	return g.inBounds(col, row) && g.walkable[g.index(col, row)]
}

// CellAt returns the cell containing p.
func (g *Grid) CellAt(p Vec2) (Cell, error) {
	if p.X < 0 || p.Y < 0 || p.X >= g.Width() || p.Y >= g.Height() {
		return Cell{}, fmt.Errorf("%w: (%.2f, %.2f)", ErrOutOfBounds, p.X, p.Y)
	}
	return Cell{Col: int(p.X / g.cellSize), Row: int(p.Y / g.cellSize)}, nil
}

// Center returns the world position of a cell's center.
func (g *Grid) Center(c Cell) Vec2 {
	return Vec2{X: (float64(c.Col) + 0.5) * g.cellSize, Y: (float64(c.Row) + 0.5) * g.cellSize}
}

// WalkablePos reports whether p lies in a walkable cell.
func (g *Grid) WalkablePos(p Vec2) bool {
	c, err := g.CellAt(p)
	return err == nil && g.Walkable(c.Col, c.Row)
}

// diagonalOK forbids cutting corners past a blocked orthogonal neighbor.
func (g *Grid) diagonalOK(from Cell, s step) bool {
	if !s.diagonal {
		return true
	}
	return g.Walkable(from.Col+s.dc, from.Row) && g.Walkable(from.Col, from.Row+s.dr)
}

// nearestWalkable does a breadth-first search outwards from c.
func (g *Grid) nearestWalkable(c Cell) (Cell, bool) {
	seen := map[int]bool{g.index(c.Col, c.Row): true}
	queue := []Cell{c}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if g.Walkable(cur.Col, cur.Row) {
			return cur, true
		}
		for _, s := range steps[:4] {
			n := Cell{Col: cur.Col + s.dc, Row: cur.Row + s.dr}
			if !g.inBounds(n.Col, n.Row) || seen[g.index(n.Col, n.Row)] {
				continue
			}
			seen[g.index(n.Col, n.Row)] = true
			queue = append(queue, n)
		}
	}
	return Cell{}, false
}

// FindPath returns waypoints from `from` to `to`. A start inside a blocked
// cell is snapped to the nearest walkable cell; a blocked or disconnected
// target fails with ErrUnreachable.
func (g *Grid) FindPath(from, to Vec2) (Path, error) {
	sc, err := g.CellAt(from)
	if err != nil {
		return nil, err
	}
	gc, err := g.CellAt(to)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if !g.Walkable(gc.Col, gc.Row) {
		return nil, fmt.Errorf("%w: target cell (%d,%d) blocked", ErrUnreachable, gc.Col, gc.Row)
	}
	if !g.Walkable(sc.Col, sc.Row) {
		snapped, ok := g.nearestWalkable(sc)
		if !ok {
			return nil, fmt.Errorf("%w: no walkable start", ErrUnreachable)
		}
		sc = snapped
	}
	cells, ok := g.astar(sc, gc)
	if !ok {
		return nil, fmt.Errorf("%w: (%d,%d) -> (%d,%d)", ErrUnreachable, sc.Col, sc.Row, gc.Col, gc.Row)
	}
	path := make(Path, 0, len(cells))
	for _, c := range cells[1:] {
		path = append(path, g.Center(c))
	}
	if len(path) == 0 {
		return Path{to}, nil
	}
	path[len(path)-1] = to
	return path, nil
}

func octile(a, b Cell) float64 {
	dx := math.Abs(float64(a.Col - b.Col))
	dy := math.Abs(float64(a.Row - b.Row))
	if dx < dy {
		dx, dy = dy, dx
	}
	return dx + (math.Sqrt2-1)*dy
}

type node struct {
	cell   Cell
	g, f   float64
	seq    int
	parent *node
}

// openSet orders by f, then by insertion so equal-cost paths are stable.
type openSet []*node

func (o openSet) Len() int { return len(o) }
func (o openSet) Less(i, j int) bool {
	if o[i].f != o[j].f {
		return o[i].f < o[j].f
	}
	return o[i].seq < o[j].seq
}
func (o openSet) Swap(i, j int) { o[i], o[j] = o[j], o[i] }
func (o *openSet) Push(x any) { *o = append(*o, x.(*node)) }
func (o *openSet) Pop() any {
	old := *o
	n := old[len(old)-1]
	old[len(old)-1] = nil
	*o = old[:len(old)-1]
	return n
}

func (g *Grid) astar(start, goal Cell) ([]Cell, bool) {
	open := &openSet{}
	seq := 0
	heap.Push(open, &node{cell: start, f: octile(start, goal)})
	best := map[int]float64{g.index(start.Col, start.Row): 0}
	closed := map[int]bool{}

	for open.Len() > 0 {
		cur := heap.Pop(open).(*node)
		ci := g.index(cur.cell.Col, cur.cell.Row)
		if closed[ci] {
			continue
		}
		closed[ci] = true
		if cur.cell == goal {
			return unwind(cur), true
		}
		for _, s := range steps {
			n := Cell{Col: cur.cell.Col + s.dc, Row: cur.cell.Row + s.dr}
			if !g.Walkable(n.Col, n.Row) || !g.diagonalOK(cur.cell, s) {
				continue
			}
			ni := g.index(n.Col, n.Row)
			if closed[ni] {
				continue
			}
			cost := cur.g + s.cost
			if prev, ok := best[ni]; ok && cost >= prev {
				continue
			}
			best[ni] = cost
			seq++
			heap.Push(open, &node{cell: n, g: cost, f: cost + octile(n, goal), seq: seq, parent: cur})
		}
	}
	return nil, false
}

func unwind(end *node) []Cell {
	var out []Cell
	for n := end; n != nil; n = n.parent {
		out = append(out, n.cell)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
