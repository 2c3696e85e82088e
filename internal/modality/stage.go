package modality

import "fmt"

// Stage enumerates pipeline progress in execution order. The numeric
// values define a total order and prefix persisted transform file names so
// a lexical sort recovers the stage order.
type Stage int

const (
	StageInput Stage = iota
	StageCoregistered
	StageAtlasRegistered
	StageAtlasCorrected
	StageN4BiasCorrected
	StageBET
	StageDefaced

	numStages
)

// NumStages is the number of pipeline stages.
const NumStages = int(numStages)

var stageNames = [NumStages]string{
	"input",
	"coregistered",
	"atlas_registered",
	"atlas_corrected",
	"n4_bias_corrected",
	"bet",
	"defaced",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= NumStages {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// Valid reports whether s is a defined stage.
func (s Stage) Valid() bool {
	return s >= 0 && int(s) < NumStages
}

// Stages returns all stages in order.
func Stages() []Stage {
	out := make([]Stage, NumStages)
	for i := range out {
		out[i] = Stage(i)
	}
	return out
}
