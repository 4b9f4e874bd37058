// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/stravasync/internal/model"
)

// ActivityRepository stores activity records keyed by their remote ID.
type ActivityRepository interface {
	// UpsertPage writes one fetched page in a single transaction and reports
	// the per-record outcome. Identical payloads are left untouched.
	UpsertPage(ctx context.Context, page []model.Activity) (model.PageResult, error)

	// Get returns a single activity by remote ID.
	Get(ctx context.Context, id int64) (*model.Activity, error)

	// Stats summarizes the stored history.
	Stats(ctx context.Context) (model.ActivityStats, error)
}

// CredentialRepository holds the single live OAuth credential per account.
type CredentialRepository interface {
	// Get loads the credential for account or returns errs.ErrNotFound.
	Get(ctx context.Context, account string) (model.Credential, error)
	// Save atomically replaces the stored credential.
	Save(ctx context.Context, c model.Credential) error
	// Delete removes the credential; deleting a missing one is not an error.
	Delete(ctx context.Context, account string) error
}

// SyncRunRepository is the audit log of sync runs.
type SyncRunRepository interface {
	// Start records a run as running before any page is fetched.
	Start(ctx context.Context, run model.SyncRun) error
	// Finish moves a running record to its terminal status. A record is
	// finished at most once; later calls fail with errs.ErrStoreWriteFailed.
	Finish(ctx context.Context, run model.SyncRun) error
	// Recent returns up to n runs, newest first.
	Recent(ctx context.Context, n int) ([]model.SyncRun, error)
}
