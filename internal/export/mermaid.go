package export

import (
	"fmt"
	"strings"

	"github.com/dusk-indust/reelgate/internal/job"
)

// stateClass maps a stage state to a Mermaid class.
var stateClass = map[string]string{
	StatePending:          "pending",
	StateRunning:          "running",
	StatePaused:           "paused",
	StateAwaitingApproval: "waiting",
	StateComplete:         "done",
	StateFailed:           "failed",
	StateCanceled:         "failed",
}

// GenerateMermaid produces a Mermaid flowchart of the job's stages. Stages
// with a gate get a decision node between them and the next stage.
func GenerateMermaid(j *job.Job) string {
	exp := ExportJob(j, nil, j.UpdatedAt)

	var sb strings.Builder
	sb.WriteString("graph LR\n")
	prev := ""
	for _, se := range exp.Stages {
		id := fmt.Sprintf("S%d", se.Stage)
		sb.WriteString(fmt.Sprintf("  %s[\"%s\"]:::%s\n", id, se.Name, stateClass[se.State]))
		if prev != "" {
			sb.WriteString(fmt.Sprintf("  %s --> %s\n", prev, id))
		}
		prev = id
		if se.Gate == "" {
			continue
		}
		gid := fmt.Sprintf("G%d", se.Stage)
		label := se.Gate
		if se.GateBy != "" {
			label += " by " + se.GateBy
		}
		sb.WriteString(fmt.Sprintf("  %s{\"%s\"}\n", gid, label))
		sb.WriteString(fmt.Sprintf("  %s --> %s\n", id, gid))
		prev = gid
	}
	sb.WriteString("  classDef pending fill:#eee,stroke:#999\n")
	sb.WriteString("  classDef running fill:#cde,stroke:#36c\n")
	sb.WriteString("  classDef paused fill:#fec,stroke:#c90\n")
	sb.WriteString("  classDef waiting fill:#ffd,stroke:#cc0\n")
	sb.WriteString("  classDef done fill:#cfc,stroke:#393\n")
	sb.WriteString("  classDef failed fill:#fcc,stroke:#c33\n")
	return sb.String()
}
