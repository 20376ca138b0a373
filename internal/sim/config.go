package sim

// Zone names a rectangular region of the map used for summary-state location.
type Zone struct {
	Name string  `json:"name"`
	MinX float64 `json:"minX"`
	MinY float64 `json:"minY"`
	MaxX float64 `json:"maxX"`
	MaxY float64 `json:"maxY"`
}

// Contains reports whether the point falls inside the zone.
func (z Zone) Contains(p Vec2) bool {
	return p.X >= z.MinX && p.X <= z.MaxX && p.Y >= z.MinY && p.Y <= z.MaxY
}

// Wall is an impassable rectangle the pathfinder routes around.
type Wall struct {
	MinX float64 `json:"minX"`
	MinY float64 `json:"minY"`
	MaxX float64 `json:"maxX"`
	MaxY float64 `json:"maxY"`
}

// TaskSite is a fixed location where an agent can complete work.
type TaskSite struct {
	ID       string  `json:"id"`
	Zone     string  `json:"zone"`
	Position Vec2    `json:"position"`
	Duration float64 `json:"duration"`
}

// Config describes the static world an engine is constructed from.
type Config struct {
	Width      float64
	Height     float64
	AgentCount int
	MoveSpeed  float64
	Zones      []Zone
	Walls      []Wall
	TaskSites  []TaskSite
}

// DefaultConfig returns a small map suitable for tests and local runs.
func DefaultConfig() Config {
	return Config{
		Width:      480,
		Height:     320,
		AgentCount: 6,
		MoveSpeed:  60,
		Zones: []Zone{
			{Name: "cafeteria", MinX: 0, MinY: 0, MaxX: 240, MaxY: 160},
			{Name: "electrical", MinX: 240, MinY: 0, MaxX: 480, MaxY: 160},
			{Name: "storage", MinX: 0, MinY: 160, MaxX: 240, MaxY: 320},
			{Name: "reactor", MinX: 240, MinY: 160, MaxX: 480, MaxY: 320},
		},
		// Interior walls leave doorway gaps along the zone seams.
		Walls: []Wall{
			{MinX: 232, MinY: 0, MaxX: 248, MaxY: 100},
			{MinX: 232, MinY: 220, MaxX: 248, MaxY: 320},
			{MinX: 0, MinY: 152, MaxX: 100, MaxY: 168},
			{MinX: 380, MinY: 152, MaxX: 480, MaxY: 168},
		},
		TaskSites: []TaskSite{
			{ID: "wires", Zone: "electrical", Position: Vec2{X: 320, Y: 80}, Duration: 3},
			{ID: "fuel", Zone: "storage", Position: Vec2{X: 120, Y: 240}, Duration: 2.5},
			{ID: "calibrate", Zone: "reactor", Position: Vec2{X: 400, Y: 240}, Duration: 4},
		},
	}
}
