package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/stravasync/internal/errs"
	"github.com/and161185/stravasync/internal/metrics"
	"github.com/and161185/stravasync/internal/model"
	"github.com/and161185/stravasync/internal/repository"
)

// SyncService reconciles the remote activity history into the local store.
type SyncService interface {
	// Run executes one sync and returns its recorded summary.
	Run(ctx context.Context, mode model.SyncMode) (model.SyncRun, error)
}

// ActivitySource lists remote activities page by page, newest first.
type ActivitySource interface {
	FetchPage(ctx context.Context, accessToken string, page, perPage int) ([]model.Activity, error)
}

// SyncConfig tunes SyncServiceImpl.
type SyncConfig struct {
	PageSize      int
	ConvergePages int // consecutive converged pages that end an incremental run
}

// SyncServiceImpl is the default SyncService.
type SyncServiceImpl struct {
	auth   AuthService
	source ActivitySource
	acts   repository.ActivityRepository
	runs   repository.SyncRunRepository
	cfg    SyncConfig
	log    *zap.Logger
	now    func() time.Time
}

// NewSyncService constructs SyncService with page limits.
func NewSyncService(
	auth AuthService, source ActivitySource,
	acts repository.ActivityRepository, runs repository.SyncRunRepository,
	cfg SyncConfig, log *zap.Logger,
) *SyncServiceImpl {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.ConvergePages <= 0 {
		cfg.ConvergePages = 2
	}
	return &SyncServiceImpl{auth: auth, source: source, acts: acts, runs: runs, cfg: cfg, log: log, now: time.Now}
}

// Run paginates the remote listing and upserts each page in its own
// transaction. The run is recorded as running before the first page and
// finalized once at the end, even if ctx is cancelled. Committed pages are
// kept when a later page fails; the run is then recorded as partial.
func (s *SyncServiceImpl) Run(ctx context.Context, mode model.SyncMode) (model.SyncRun, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return model.SyncRun{}, err
	}
	run := model.SyncRun{ID: id, Mode: mode, StartedAt: s.now().UTC(), Status: model.StatusRunning}
	log := s.log.With(zap.String("run_id", id.String()), zap.String("mode", string(mode)))

	if err := s.runs.Start(context.WithoutCancel(ctx), run); err != nil {
		err = storeErr(err)
		log.Error("sync run not recorded, not starting", zap.Error(err))
		run.FinishedAt, run.Status, run.Error = s.now().UTC(), model.StatusFailure, err.Error()
		return run, err
	}
	log.Info("sync started")

	runErr := s.paginate(ctx, &run, log)

	run.FinishedAt = s.now().UTC()
	switch {
	case runErr == nil:
		run.Status = model.StatusSuccess
	case run.Pages > 0:
		run.Status = model.StatusPartial
	default:
		run.Status = model.StatusFailure
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	metrics.RecordRun(string(run.Mode), string(run.Status), run.Created, run.Updated, run.Pages, run.StartedAt, run.FinishedAt)

	if recErr := s.runs.Finish(context.WithoutCancel(ctx), run); recErr != nil {
		recErr = storeErr(recErr)
		log.Error("sync run not finalized", zap.Error(recErr))
		runErr = errors.Join(runErr, recErr)
	}

	fields := []zap.Field{
		zap.String("status", string(run.Status)),
		zap.Int("pages", run.Pages),
		zap.Int("created", run.Created),
		zap.Int("updated", run.Updated),
		zap.Bool("converged", run.Converged),
		zap.Duration("elapsed", run.FinishedAt.Sub(run.StartedAt)),
	}
	if runErr != nil {
		log.Error("sync finished", append(fields, zap.Error(runErr))...)
	} else {
		log.Info("sync finished", fields...)
	}
	return run, runErr
}

func storeErr(err error) error {
	if errors.Is(err, errs.ErrStoreWriteFailed) {
		return err
	}
	return fmt.Errorf("%w: sync run: %w", errs.ErrStoreWriteFailed, err)
}

func (s *SyncServiceImpl) paginate(ctx context.Context, run *model.SyncRun, log *zap.Logger) error {
	var (
		streak     int
		prevOldest time.Time
	)
	for page := 1; ; page++ {
		// Checked per page: a long run may outlive the access token.
		cred, err := s.auth.Authenticate(ctx)
		if err != nil {
			return fmt.Errorf("authenticate: %w", err)
		}

		acts, err := s.source.FetchPage(ctx, cred.AccessToken, page, s.cfg.PageSize)
		if err != nil {
			return err
		}
		if len(acts) == 0 {
			log.Debug("listing exhausted", zap.Int("page", page))
			return nil
		}

		res, err := s.acts.UpsertPage(ctx, acts)
		if err != nil {
			return fmt.Errorf("page %d: %w", page, err)
		}
		run.Pages++
		run.Created += res.Created
		run.Updated += res.Updated
		log.Debug("page stored",
			zap.Int("page", page), zap.Int("records", len(acts)),
			zap.Int("created", res.Created), zap.Int("updated", res.Updated), zap.Int("unchanged", res.Unchanged))
		if res.Updated > 0 {
			log.Info("activities changed remotely", zap.Int("page", page), zap.Int64s("ids", res.IDs(model.OutcomeUpdated)))
		}

		if run.Mode == model.ModeIncremental {
			if converged(acts, res, prevOldest) {
				streak++
			} else {
				streak = 0
			}
			if streak >= s.cfg.ConvergePages {
				run.Converged = true
				log.Debug("converged", zap.Int("page", page))
				return nil
			}
		}
		prevOldest = acts[len(acts)-1].StartDate
	}
}

// converged reports whether a page carries no news: every record already
// stored unchanged, ordered newest first, and not newer than the previous
// page's oldest record. prevOldest is zero for the first page.
func converged(page []model.Activity, res model.PageResult, prevOldest time.Time) bool {
	if len(page) == 0 || !res.AllUnchanged() {
		return false
	}
	for i := 1; i < len(page); i++ {
		if page[i].StartDate.After(page[i-1].StartDate) {
			return false
		}
	}
	return prevOldest.IsZero() || !page[0].StartDate.After(prevOldest)
}
