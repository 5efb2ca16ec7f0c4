package events

import (
	"fmt"

	"github.com/wI2L/jsondiff"

	"github.com/bizmatters/agent-builder/app-orchestrator/internal/models"
)

// DiffClientState returns the JSON Patch operations turning prev into next
func DiffClientState(prev, next models.ClientState) ([]PatchOperation, error) {
	patch, err := jsondiff.Compare(prev, next)
	if err != nil {
		return nil, fmt.Errorf("failed to diff client state: %w", err)
	}
	if len(patch) == 0 {
		return nil, nil
	}

	ops := make([]PatchOperation, 0, len(patch))
	for _, op := range patch {
		ops = append(ops, PatchOperation{Op: op.Type, Path: op.Path, From: op.From, Value: op.Value})
	}
	return ops, nil
}
