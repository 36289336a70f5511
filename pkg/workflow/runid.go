package workflow

import (
	"github.com/dukex/courier/pkg/models"
	"github.com/google/uuid"
)

var runNamespace = uuid.MustParse("6f1c2b1e-3c55-4c0e-9a67-0f8e6d1f2a90")

// RunID derives the run id of a workflow triggered by an inbound event. The same
// event always maps onto the same run.
func RunID(workflowID string, provider models.Provider, externalMessageID string) string {
	return uuid.NewSHA1(runNamespace, []byte(workflowID+"|"+string(provider)+"|"+externalMessageID)).String()
}

// JobID is the deterministic queue job id of a run node.
func JobID(runID, nodeID string) string {
	return runID + ":" + nodeID
}

// TriggerKey is the event store dedup key recording that a run's trigger was processed.
func TriggerKey(runID string) string {
	return "trigger:" + runID
}
