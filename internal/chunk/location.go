package chunk

import "fmt"

// Location is the octree position a request is loading data for. The
// SliceID identifies which slice's octree, so completions that arrive
// after a slice change can be recognized as stale and dropped.
type Location struct {
	SliceID uint64
	Level   int
	Row     int
	Col     int
}

func (l Location) String() string {
	return fmt.Sprintf("slice=%d level=%d row=%d col=%d", l.SliceID, l.Level, l.Row, l.Col)
}
