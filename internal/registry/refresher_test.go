package registry

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JAG-UK/rkh-frontend/internal/domain/application"
	"github.com/JAG-UK/rkh-frontend/internal/logging"
	"github.com/JAG-UK/rkh-frontend/internal/metrics"
)

type pagedSource struct {
	mu      sync.Mutex
	apps    []application.Application
	err     error
	noTotal bool
	calls   []ListOptions
}

func (s *pagedSource) ListApplications(_ context.Context, opts ListOptions) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, opts)
	if s.err != nil {
		return Page{}, s.err
	}
	start := (opts.Page - 1) * opts.Limit
	if start > len(s.apps) {
		start = len(s.apps)
	}
	end := start + opts.Limit
	if end > len(s.apps) {
		end = len(s.apps)
	}
	page := Page{Applications: append([]application.Application(nil), s.apps[start:end]...)}
	if s.noTotal {
		page.Total = len(page.Applications)
	} else {
		page.Total, page.HasTotal = len(s.apps), true
	}
	return page, nil
}

func (s *pagedSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func apps(n int) []application.Application {
	out := make([]application.Application, n)
	for i := range out {
		status := application.StatusKYC
		if i%2 == 1 {
			status = application.StatusRKHApproval
		}
		out[i] = application.Application{ID: fmt.Sprintf("app-%d", i), Status: status}
	}
	return out
}

func TestNewRefresherValidates(t *testing.T) {
	_, err := NewRefresher(RefresherConfig{})
	assert.Error(t, err)

	_, err = NewRefresher(RefresherConfig{Source: &pagedSource{}, Schedule: "every tuesday"})
	assert.Error(t, err)
}

func TestRefreshWalksAllPages(t *testing.T) {
	src := &pagedSource{apps: apps(5)}
	r, err := NewRefresher(RefresherConfig{Source: src, PageSize: 2, Logger: logging.Discard(), Metrics: metrics.New(false)})
	require.NoError(t, err)

	_, ok := r.Cache().List("")
	assert.False(t, ok, "empty before first refresh")

	require.NoError(t, r.Refresh(context.Background()))
	assert.Equal(t, 3, src.callCount())

	all, ok := r.Cache().List("")
	require.True(t, ok)
	assert.Len(t, all, 5)

	kyc, _ := r.Cache().List(application.StatusKYC)
	assert.Len(t, kyc, 3)

	got, ok := r.Cache().Get("app-3")
	require.True(t, ok)
	assert.Equal(t, application.StatusRKHApproval, got.Status)

	_, ok = r.Cache().Get("app-99")
	assert.False(t, ok)
}

func TestRefreshWithoutTotalReadsUntilShortPage(t *testing.T) {
	src := &pagedSource{apps: apps(250), noTotal: true}
	r, err := NewRefresher(RefresherConfig{Source: src, Logger: logging.Discard()})
	require.NoError(t, err)

	require.NoError(t, r.Refresh(context.Background()))
	all, _ := r.Cache().List("")
	assert.Len(t, all, 250)
	assert.Equal(t, 3, src.callCount())
}

type skippingSource struct{ calls int }

// ListApplications serves two full pages where one record on the first
// failed validation, then an empty page.
func (s *skippingSource) ListApplications(_ context.Context, opts ListOptions) (Page, error) {
	s.calls++
	switch opts.Page {
	case 1:
		return Page{Applications: apps(opts.Limit - 1), Skipped: 1, Total: 2 * opts.Limit, HasTotal: true}, nil
	case 2:
		return Page{Applications: apps(opts.Limit), Total: 2 * opts.Limit, HasTotal: true}, nil
	}
	return Page{Total: 2 * opts.Limit, HasTotal: true}, nil
}

func TestRefreshCountsSkippedRecordsTowardsPaging(t *testing.T) {
	src := &skippingSource{}
	r, err := NewRefresher(RefresherConfig{Source: src, PageSize: 4, Logger: logging.Discard()})
	require.NoError(t, err)

	require.NoError(t, r.Refresh(context.Background()))
	assert.Equal(t, 2, src.calls)
	snap := r.Cache().Snapshot()
	require.NotNil(t, snap)
	assert.Len(t, snap.Applications, 7)
}

func TestFailedRefreshKeepsSnapshot(t *testing.T) {
	src := &pagedSource{apps: apps(2)}
	r, err := NewRefresher(RefresherConfig{Source: src, Logger: logging.Discard()})
	require.NoError(t, err)
	require.NoError(t, r.Refresh(context.Background()))
	before := r.Cache().Snapshot()

	src.mu.Lock()
	src.err = stderrors.New("registry down")
	src.mu.Unlock()

	assert.Error(t, r.Refresh(context.Background()))
	assert.Same(t, before, r.Cache().Snapshot())
}

func TestStartRefreshesAndTriggerCoalesces(t *testing.T) {
	src := &pagedSource{apps: apps(1)}
	r, err := NewRefresher(RefresherConfig{Source: src, Schedule: "@every 1h", Logger: logging.Discard()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))
	defer r.Stop()

	require.Eventually(t, func() bool { return r.Cache().Snapshot() != nil }, 2*time.Second, 10*time.Millisecond)

	r.Trigger()
	r.Trigger()
	r.Trigger()
	require.Eventually(t, func() bool { return src.callCount() >= 2 }, 2*time.Second, 10*time.Millisecond)

	r.Stop()
	r.Stop()
}
