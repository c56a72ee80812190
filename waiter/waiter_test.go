package waiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type permissionResponse struct {
	Approved bool
	Reason   string
}

func TestResolveCompletesWaiter(t *testing.T) {
	table := New[permissionResponse]()
	wait, cancel := table.Register("perm-1")
	defer cancel()

	go func() {
		require.NoError(t, table.Resolve("perm-1", permissionResponse{Approved: true}))
	}()

	resp, err := wait(context.Background())
	require.NoError(t, err)
	require.True(t, resp.Approved)
	require.False(t, table.Pending("perm-1"))
}

func TestResolveUnknownRequestIsDiscarded(t *testing.T) {
	table := New[permissionResponse]()
	err := table.Resolve("no-such-id", permissionResponse{Approved: true})
	require.ErrorIs(t, err, ErrNoSuchRequest)
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	table := New[permissionResponse]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	wait, waiterCancel := table.Register("perm-1")
	defer waiterCancel()

	_, err := wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, table.Pending("perm-1"))
}

func TestResolveAfterCancelIsDiscarded(t *testing.T) {
	table := New[permissionResponse]()
	_, cancel := table.Register("perm-1")
	cancel()

	err := table.Resolve("perm-1", permissionResponse{Approved: true})
	require.ErrorIs(t, err, ErrNoSuchRequest)
}

func TestLenTracksPendingRequests(t *testing.T) {
	table := New[permissionResponse]()
	_, cancel1 := table.Register("a")
	_, cancel2 := table.Register("b")
	require.Equal(t, 2, table.Len())

	cancel1()
	require.Equal(t, 1, table.Len())
	cancel2()
	require.Equal(t, 0, table.Len())
}
