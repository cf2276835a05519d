package notebook

import (
	"context"

	"github.com/planline/planline/pkg/schema"
)

// EchoRunner is a CodeRunner that reports success and echoes the unit's code
// back as output. It stands in where no real execution kernel is attached,
// keeping the action pipeline runnable end to end.
type EchoRunner struct {
	store ContentStore
}

// NewEchoRunner creates an EchoRunner over a content store.
func NewEchoRunner(store ContentStore) *EchoRunner {
	return &EchoRunner{store: store}
}

// Execute returns a successful result carrying the unit's source.
func (r *EchoRunner) Execute(ctx context.Context, unitID string) (*RunResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u, ok := r.store.Unit(unitID)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "unknown notebook unit %q", unitID)
	}
	return &RunResult{Success: true, Output: u.Content}, nil
}
