package integration

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/kailasramasamy/martly-sub005/internal/db"
	"github.com/kailasramasamy/martly-sub005/internal/ledger"
	"github.com/kailasramasamy/martly-sub005/internal/testutil"
)

// Ten workers race for the last three units; the conditional update must let
// exactly three through.
func TestConcurrentReserveNeverOversells(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	dsn, _ := testutil.StartPostgres(t)
	logger := log.New(io.Discard, "", log.LstdFlags)
	require.NoError(t, db.RunMigrations(dsn, logger))

	pool, err := db.NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	repo := ledger.NewPostgresRepository(pool, ledger.NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, repo.SetStock(ctx, "hot-item", "Hot Item", 3))

	const workers = 10

	results := make(chan error, workers)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			results <- repo.Reserve(gctx, []ledger.Line{{ProductID: "hot-item", Quantity: 1}})
			return nil
		})
	}
	require.NoError(t, g.Wait())
	close(results)

	var wins, refusals int
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		shortage, ok := ledger.AsInsufficientStock(err)
		require.True(t, ok, "unexpected error: %v", err)
		require.Equal(t, "hot-item", shortage.ProductID)
		refusals++
	}
	require.Equal(t, 3, wins)
	require.Equal(t, workers-3, refusals)

	rec, err := repo.Get(ctx, "hot-item")
	require.NoError(t, err)
	require.Equal(t, 3, rec.Stock)
	require.Equal(t, 3, rec.Reserved)
	require.Equal(t, 0, rec.Available())
}

// Two workers hammer the same pair of products with their lines in opposite
// order. Lines are locked in sorted order, so no round may deadlock.
func TestOpposingMultiLineReserves(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	dsn, _ := testutil.StartPostgres(t)
	logger := log.New(io.Discard, "", log.LstdFlags)
	require.NoError(t, db.RunMigrations(dsn, logger))

	pool, err := db.NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	repo := ledger.NewPostgresRepository(pool, ledger.NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, repo.SetStock(ctx, "pair-left", "Left", 200))
	require.NoError(t, repo.SetStock(ctx, "pair-right", "Right", 200))

	const rounds = 50

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for i := 0; i < rounds; i++ {
			if err := repo.Reserve(gctx, []ledger.Line{
				{ProductID: "pair-left", Quantity: 1},
				{ProductID: "pair-right", Quantity: 1},
			}); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		for i := 0; i < rounds; i++ {
			if err := repo.Reserve(gctx, []ledger.Line{
				{ProductID: "pair-right", Quantity: 1},
				{ProductID: "pair-left", Quantity: 1},
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())

	left, err := repo.Get(ctx, "pair-left")
	require.NoError(t, err)
	right, err := repo.Get(ctx, "pair-right")
	require.NoError(t, err)
	require.Equal(t, 2*rounds, left.Reserved)
	require.Equal(t, 2*rounds, right.Reserved)
}
