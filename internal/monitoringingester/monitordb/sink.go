package monitordb

import (
	"context"

	"github.com/runmonproject/runmon/internal/monitoringingester/model"
)

// Sink is the narrow persistence interface the coordinator writes through.  The sink
// is responsible for retrying retryable failures and should only return an error once
// it is satisfied the operation cannot succeed; the coordinator treats a returned
// error as fatal for the pipeline.
type Sink interface {
	Store(ctx context.Context, instructions *model.InstructionSet) error
}
