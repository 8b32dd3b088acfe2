package retrieval

import "context"

// SemanticBackend is the optional external similarity search. It cannot filter by document.
type SemanticBackend interface {
	// Configured reports whether the backend should be queried at all.
	Configured() bool
	Search(ctx context.Context, query string, caseID int64, topK int) ([]Hit, error)
}

// disabledBackend stands in when no external backend is configured.
type disabledBackend struct{}

func (disabledBackend) Configured() bool { return false }

func (disabledBackend) Search(context.Context, string, int64, int) ([]Hit, error) {
	return nil, nil
}
