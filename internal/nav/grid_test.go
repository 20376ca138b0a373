package nav

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"crewsim/server/internal/sim"
)

func openMap() sim.Config {
	cfg := sim.DefaultConfig()
	cfg.Walls = nil
	return cfg
}

func TestFindPathOpenMap(t *testing.T) {
	g := NewGrid(openMap())

	start := sim.Vec2{X: 40, Y: 40}
	end := sim.Vec2{X: 400, Y: 280}
	path, err := g.FindPath(start, end)
	require.NoError(t, err)
	require.NotEmpty(t, path)
	require.Equal(t, end, path[len(path)-1])
}

func TestFindPathRoutesAroundWall(t *testing.T) {
	cfg := openMap()
	// Vertical wall splitting the map, doorway at the bottom.
	cfg.Walls = []sim.Wall{{MinX: 230, MinY: 0, MaxX: 250, MaxY: 260}}
	g := NewGrid(cfg)

	start := sim.Vec2{X: 60, Y: 60}
	end := sim.Vec2{X: 420, Y: 60}
	path, err := g.FindPath(start, end)
	require.NoError(t, err)
	require.Equal(t, end, path[len(path)-1])

	// Crossing the seam must happen below the wall.
	for _, p := range path {
		if p.X > 230 && p.X < 250 {
			require.Greater(t, p.Y, 260.0, "waypoint %v inside the wall band", p)
		}
	}

	// The detour must be longer than the straight-line distance.
	direct := math.Hypot(end.X-start.X, end.Y-start.Y)
	require.Greater(t, pathLength(start, path), direct)
}

func TestFindPathBlockedGoal(t *testing.T) {
	cfg := openMap()
	cfg.Walls = []sim.Wall{{MinX: 200, MinY: 100, MaxX: 280, MaxY: 200}}
	g := NewGrid(cfg)

	_, err := g.FindPath(sim.Vec2{X: 40, Y: 40}, sim.Vec2{X: 240, Y: 150})
	require.Error(t, err)
}

func TestFindPathRelaxesBlockedStart(t *testing.T) {
	cfg := openMap()
	cfg.Walls = []sim.Wall{{MinX: 200, MinY: 100, MaxX: 280, MaxY: 200}}
	g := NewGrid(cfg)

	path, err := g.FindPath(sim.Vec2{X: 240, Y: 150}, sim.Vec2{X: 40, Y: 40})
	require.NoError(t, err)
	require.Equal(t, sim.Vec2{X: 40, Y: 40}, path[len(path)-1])
}

func TestFindPathDefaultMapTaskSites(t *testing.T) {
	cfg := sim.DefaultConfig()
	g := NewGrid(cfg)

	start := sim.Vec2{X: 60, Y: 60}
	for _, site := range cfg.TaskSites {
		path, err := g.FindPath(start, site.Position)
		require.NoError(t, err, "site %s", site.ID)
		require.Equal(t, site.Position, path[len(path)-1])
	}
}

func TestFindPathSameCell(t *testing.T) {
	g := NewGrid(openMap())

	end := sim.Vec2{X: 101, Y: 101}
	path, err := g.FindPath(sim.Vec2{X: 100, Y: 100}, end)
	require.NoError(t, err)
	require.Equal(t, []sim.Vec2{end}, path)
}

func pathLength(start sim.Vec2, path []sim.Vec2) float64 {
	total := 0.0
	prev := start
	for _, p := range path {
		total += math.Hypot(p.X-prev.X, p.Y-prev.Y)
		prev = p
	}
	return total
}
