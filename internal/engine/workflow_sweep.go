package engine

import (
	"context"

	"fabrica/internal/metadata"
	"fabrica/internal/store"
)

// ProcessWorkflowTimeouts runs one timeout sweep for a store and registry,
// used by the per-app background scheduler.
func ProcessWorkflowTimeouts(s *store.Store, reg *metadata.Registry) {
	NewDefaultWFEngine(s, reg).ProcessTimeouts(context.Background())
}

func loadWorkflowInstance(ctx context.Context, s *store.Store, id string) (*metadata.WorkflowInstance, error) {
	wfStore := &SQLWorkflowStore{}
	return wfStore.LoadInstance(ctx, s.DB, s.Dialect, id)
}

// DeleteWorkflowInstance removes an instance permanently.
func DeleteWorkflowInstance(ctx context.Context, s *store.Store, id string) error {
	wfStore := &SQLWorkflowStore{}
	if _, err := wfStore.LoadInstance(ctx, s.DB, s.Dialect, id); err != nil {
		return err
	}
	return wfStore.DeleteInstance(ctx, s.DB, s.Dialect, id)
}
