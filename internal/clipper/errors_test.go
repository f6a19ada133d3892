package clipper

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestErrorTaxonomyMatchesSentinels(t *testing.T) {
	t.Parallel()

	timeout := fmt.Errorf("archive: %w", &ExtractionTimeoutError{Tab: "7", Timeout: time.Second})
	require.ErrorIs(t, timeout, ErrExtractionTimeout)

	transient := &TransientServiceError{Service: "freedium", Reason: "redirected", Err: context.DeadlineExceeded}
	require.ErrorIs(t, transient, ErrTransientService)
	require.ErrorIs(t, transient, context.DeadlineExceeded)
	require.Contains(t, transient.Error(), "freedium: redirected")

	require.ErrorIs(t, &UserActionRequiredError{Reason: "captcha"}, ErrUserActionNeeded)
	require.ErrorIs(t, &ConfigurationError{Field: "api_key", Reason: "missing"}, ErrConfiguration)
}

func TestIsRecoverable(t *testing.T) {
	t.Parallel()

	require.False(t, IsRecoverable(nil))
	require.True(t, IsRecoverable(&TransientServiceError{Service: "a", Reason: "b"}))
	require.True(t, IsRecoverable(ErrTabClosed))
	require.False(t, IsRecoverable(fmt.Errorf("wrap: %w", &ConfigurationError{Field: "x", Reason: "y"})))
	require.True(t, IsRecoverable(errors.New("boom")))
}

func TestBulkClipJobCloneIsDeep(t *testing.T) {
	t.Parallel()

	now := time.Now()
	job := BulkClipJob{Items: []BulkClipTabState{{Tab: "1", Status: TabPending}}, FinishedAt: &now}
	clone := job.Clone()
	clone.Items[0].Status = TabSuccess
	*clone.FinishedAt = now.Add(time.Hour)

	require.Equal(t, TabPending, job.Items[0].Status)
	require.Equal(t, now, *job.FinishedAt)
}
