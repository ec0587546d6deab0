package data

import "fmt"

// ResourceLevel identifies the depth of a resource inside the four-level
// hierarchy Patient -> Study -> Series -> Instance.
type ResourceLevel int32

const (
	LevelPatient ResourceLevel = iota
	LevelStudy
	LevelSeries
	LevelInstance
)

// LevelCount is the fixed depth of the hierarchy.
const LevelCount = 4

func (l ResourceLevel) String() string {
	switch l {
	case LevelPatient:
		return "patient"
	case LevelStudy:
		return "study"
	case LevelSeries:
		return "series"
	case LevelInstance:
		return "instance"
	default:
		return fmt.Sprintf("level(%d)", int32(l))
	}
}

// Valid reports whether the level is one of the four defined levels.
func (l ResourceLevel) Valid() bool {
	return l >= LevelPatient && l <= LevelInstance
}
