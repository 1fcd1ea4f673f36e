package epoch_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/cuemby/vos/pkg/epoch"
	"github.com/cuemby/vos/pkg/epoch/mocks"
	"github.com/cuemby/vos/pkg/types"
)

// TestDTXResolveCallsResolverExactlyOnce drives the registry's bounded-
// wait-then-force-resolve contract through a gomock Resolver
// instead of a plain closure, asserting the callback fires with the
// pending DTX's own id and exactly once.
func TestDTXResolveCallsResolverExactlyOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	resolver := mocks.NewMockResolver(ctrl)

	r := epoch.NewRegistry(epoch.AsResolveFunc(resolver), time.Hour, 10*time.Millisecond)
	id := r.Open(types.Epoch(7), []string{"shard-a"})

	resolver.EXPECT().
		Resolve(gomock.Any(), id).
		Times(1).
		Return(true, nil)

	state, err := r.Resolve(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, epoch.DTXCommitted, state)

	entry, ok := r.Lookup(id)
	require.True(t, ok)
	require.Equal(t, epoch.DTXCommitted, entry.State)
}

// TestDTXResolveAbortsOnResolverRejection checks the abort branch of the
// same contract: a resolver that declines the commit drives the DTX to
// DTXAborted.
func TestDTXResolveAbortsOnResolverRejection(t *testing.T) {
	ctrl := gomock.NewController(t)
	resolver := mocks.NewMockResolver(ctrl)

	r := epoch.NewRegistry(epoch.AsResolveFunc(resolver), time.Hour, 10*time.Millisecond)
	id := r.Open(types.Epoch(8), nil)

	resolver.EXPECT().
		Resolve(gomock.Any(), id).
		Return(false, nil)

	state, err := r.Resolve(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, epoch.DTXAborted, state)
}
