package coordinator

import (
	"context"

	"github.com/vmcluster/migrate/migrateerr"
)

// Migrate is the cross-pool migration entry point. Cross-pool migration
// is explicitly unsupported by this engine.
func (c *Coordinator) Migrate(_ context.Context, _ string, _ string) error {
	return migrateerr.NotImplemented("VM.migrate")
}
