package job

import (
	"fmt"
	"strings"
)

// Stage identifies a pipeline stage (0–8). Stages run in declaration order.
type Stage int

const (
	StageOutline    Stage = 0
	StageResearch   Stage = 1
	StageScript     Stage = 2
	StageStoryboard Stage = 3
	StageAssets     Stage = 4
	StageAnimatics  Stage = 5
	StageAudio      Stage = 6
	StageAssemble   Stage = 7
	StageAcceptance Stage = 8
)

// NumStages is the number of pipeline stages.
const NumStages = 9

var stageNames = [NumStages]string{
	"outline",
	"research",
	"script",
	"storyboard",
	"assets",
	"animatics",
	"audio",
	"assemble",
	"acceptance",
}

func (s Stage) String() string {
	if s.Valid() {
		return stageNames[s]
	}
	return "unknown"
}

// Valid reports whether s names one of the nine pipeline stages.
func (s Stage) Valid() bool {
	return s >= StageOutline && s <= StageAcceptance
}

// Next returns the stage after s and false when s is the last stage.
func (s Stage) Next() (Stage, bool) {
	if s >= StageAcceptance || !s.Valid() {
		return s, false
	}
	return s + 1, true
}

// IsLast reports whether s is the final stage.
func (s Stage) IsLast() bool { return s == StageAcceptance }

// Stages returns every stage in pipeline order.
func Stages() []Stage {
	out := make([]Stage, 0, NumStages)
	for s := StageOutline; s <= StageAcceptance; s++ {
		out = append(out, s)
	}
	return out
}

// ParseStage resolves a stage name. Matching is case-insensitive.
func ParseStage(name string) (Stage, error) {
	for i, n := range stageNames {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return Stage(i), nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", name)
}

// MarshalText encodes the stage by name so JSON and YAML carry "script"
// rather than 2.
func (s Stage) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid stage %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a stage name.
func (s *Stage) UnmarshalText(b []byte) error {
	st, err := ParseStage(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}
