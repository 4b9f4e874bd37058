package service

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/and161185/stravasync/internal/errs"
	"github.com/and161185/stravasync/internal/model"
	"github.com/and161185/stravasync/internal/repository"
)

type fakeCreds struct {
	mu      sync.Mutex
	byAcct  map[string]model.Credential
	saves   int
	deletes int

	getErr  error
	saveErr error
}

var _ repository.CredentialRepository = (*fakeCreds)(nil)

func (f *fakeCreds) Get(_ context.Context, account string) (model.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return model.Credential{}, f.getErr
	}
	c, ok := f.byAcct[account]
	if !ok {
		return model.Credential{}, errs.ErrNotFound
	}
	return c, nil
}

func (f *fakeCreds) Save(_ context.Context, c model.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	if f.byAcct == nil {
		f.byAcct = map[string]model.Credential{}
	}
	f.byAcct[c.Account] = c
	f.saves++
	return nil
}

func (f *fakeCreds) Delete(_ context.Context, account string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byAcct, account)
	f.deletes++
	return nil
}

type fakeTokens struct {
	refreshCalls  int
	refreshErrs   []error // consumed in order, then refreshTok
	refreshTok    model.Token
	gotRefresh    string
	exchangeTok   model.Token
	exchangeErr   error
	gotCode       string
	lastAuthState string
}

func (f *fakeTokens) AuthCodeURL(state string) string {
	f.lastAuthState = state
	return "https://example.test/authorize?state=" + state
}

func (f *fakeTokens) Exchange(_ context.Context, code string) (model.Token, error) {
	f.gotCode = code
	return f.exchangeTok, f.exchangeErr
}

func (f *fakeTokens) Refresh(_ context.Context, rt string) (model.Token, error) {
	f.refreshCalls++
	f.gotRefresh = rt
	if len(f.refreshErrs) > 0 {
		err := f.refreshErrs[0]
		f.refreshErrs = f.refreshErrs[1:]
		return model.Token{}, err
	}
	return f.refreshTok, nil
}

type fakeReceiver struct {
	code     string
	err      error
	calls    int
	gotState string
	gotURL   string
}

func (f *fakeReceiver) Receive(_ context.Context, authURL, state string) (string, error) {
	f.calls++
	f.gotURL, f.gotState = authURL, state
	return f.code, f.err
}

// fakeAuth hands out a fixed credential.
type fakeAuth struct {
	calls int
	err   error
}

func (f *fakeAuth) Authenticate(context.Context) (model.Credential, error) {
	f.calls++
	if f.err != nil {
		return model.Credential{}, f.err
	}
	return model.Credential{Account: "default", AccessToken: fmt.Sprintf("at-%d", f.calls)}, nil
}

func (f *fakeAuth) Login(ctx context.Context) (model.Credential, error) { return f.Authenticate(ctx) }

// fakeSource serves the provider listing from an in-memory slice, newest first.
type fakeSource struct {
	all     []model.Activity
	calls   int
	tokens  []string
	failAt  int // page number that fails, 0 for none
	failErr error
	onPage  func(page int)
}

func (f *fakeSource) FetchPage(_ context.Context, token string, page, perPage int) ([]model.Activity, error) {
	f.calls++
	f.tokens = append(f.tokens, token)
	if f.onPage != nil {
		f.onPage(page)
	}
	if f.failAt == page {
		return nil, f.failErr
	}
	start := (page - 1) * perPage
	if start >= len(f.all) {
		return []model.Activity{}, nil
	}
	end := min(start+perPage, len(f.all))
	out := make([]model.Activity, end-start)
	copy(out, f.all[start:end])
	return out, nil
}

// fakeActivities is an in-memory store with hash-based change detection.
type fakeActivities struct {
	rows    map[int64]model.Activity
	upserts int
	failAt  int // UpsertPage call number that fails, 0 for none
}

var _ repository.ActivityRepository = (*fakeActivities)(nil)

func (f *fakeActivities) UpsertPage(_ context.Context, page []model.Activity) (model.PageResult, error) {
	f.upserts++
	if f.failAt == f.upserts {
		return model.PageResult{}, fmt.Errorf("%w: injected", errs.ErrStoreWriteFailed)
	}
	if f.rows == nil {
		f.rows = map[int64]model.Activity{}
	}
	res := model.PageResult{Outcomes: map[int64]model.UpsertOutcome{}}
	for _, a := range page {
		cur, ok := f.rows[a.ID]
		switch {
		case !ok:
			res.Created++
			res.Outcomes[a.ID] = model.OutcomeCreated
		case !bytes.Equal(cur.PayloadHash, a.PayloadHash):
			res.Updated++
			res.Outcomes[a.ID] = model.OutcomeUpdated
		default:
			res.Unchanged++
			res.Outcomes[a.ID] = model.OutcomeUnchanged
			continue
		}
		f.rows[a.ID] = a
	}
	return res, nil
}

func (f *fakeActivities) Get(_ context.Context, id int64) (*model.Activity, error) {
	a, ok := f.rows[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &a, nil
}

func (f *fakeActivities) Stats(context.Context) (model.ActivityStats, error) {
	return model.ActivityStats{Count: int64(len(f.rows))}, nil
}

type fakeRuns struct {
	runs      []model.SyncRun
	startErr  error
	finishErr error
	ctxErrors []error
}

var _ repository.SyncRunRepository = (*fakeRuns)(nil)

func (f *fakeRuns) Start(ctx context.Context, run model.SyncRun) error {
	f.ctxErrors = append(f.ctxErrors, ctx.Err())
	if f.startErr != nil {
		return f.startErr
	}
	if run.Status != model.StatusRunning {
		return fmt.Errorf("%w: start with status %s", errs.ErrStoreWriteFailed, run.Status)
	}
	f.runs = append(f.runs, run)
	return nil
}

// Finish mirrors the database rule: one running to terminal transition per row.
func (f *fakeRuns) Finish(ctx context.Context, run model.SyncRun) error {
	f.ctxErrors = append(f.ctxErrors, ctx.Err())
	if f.finishErr != nil {
		return f.finishErr
	}
	for i := range f.runs {
		if f.runs[i].ID != run.ID {
			continue
		}
		if f.runs[i].Status != model.StatusRunning || !run.Status.Terminal() {
			return fmt.Errorf("%w: run %s is not running", errs.ErrStoreWriteFailed, run.ID)
		}
		f.runs[i] = run
		return nil
	}
	return fmt.Errorf("%w: run %s not started", errs.ErrStoreWriteFailed, run.ID)
}

func (f *fakeRuns) Recent(_ context.Context, n int) ([]model.SyncRun, error) {
	out := make([]model.SyncRun, 0, n)
	for i := len(f.runs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, f.runs[i])
	}
	return out, nil
}

// history builds n activities, newest first, one hour apart.
func history(n int) []model.Activity {
	newest := time.Date(2024, 6, 1, 7, 0, 0, 0, time.UTC)
	out := make([]model.Activity, n)
	for i := range out {
		id := int64(n - i)
		out[i] = model.Activity{
			ID:          id,
			Name:        fmt.Sprintf("run %d", id),
			StartDate:   newest.Add(-time.Duration(i) * time.Hour),
			PayloadHash: []byte(fmt.Sprintf("h%d", id)),
		}
	}
	return out
}
