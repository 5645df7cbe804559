// ABOUTME: Tests for the background proactive refresh loop
// ABOUTME: Verifies ticking refreshes stale tokens and Stop terminates cleanly

package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefreshScheduler_RefreshesStaleToken(t *testing.T) {
	fake := &fakeOAuthDriver{}
	svc, repo := newLifecycleUnderTest(t, fake, staleToken())

	scheduler := NewRefreshScheduler(svc, nil, 10*time.Millisecond)
	scheduler.Start(context.Background())
	defer scheduler.Stop()

	assert.Eventually(t, func() bool {
		stored, err := repo.GetCurrentToken(context.Background())
		return err == nil && stored.AccessToken == "refreshed-access-1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRefreshScheduler_StopTerminates(t *testing.T) {
	fake := &fakeOAuthDriver{}
	svc, _ := newLifecycleUnderTest(t, fake, freshToken())

	scheduler := NewRefreshScheduler(svc, nil, 5*time.Millisecond)
	scheduler.Start(context.Background())

	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		scheduler.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}

	require.Equal(t, 0, fake.callCount(), "a valid token is never refreshed proactively")
}
