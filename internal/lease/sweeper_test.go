package lease

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tuplespace/internal/testutil"
)

func TestSweeper_Sweep(t *testing.T) {
	clk := testutil.NewClock()
	tbl := NewTable()
	q := NewExpirationQueue(func(context.Context, Lease) error { return nil })
	s := NewSweeper(tbl, q, clk, time.Second, nil)

	tbl.Grant(Lease{Cookie: "a", Expiration: epoch.Add(500 * time.Millisecond)})
	tbl.Grant(Lease{Cookie: "b", Expiration: epoch.Add(5 * time.Second)})

	assert.Equal(t, 0, s.Sweep())
	clk.Step(time.Second)
	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 1, tbl.Len())
}

func TestSweeper_RunOnTick(t *testing.T) {
	clk := testutil.NewClock()
	tbl := NewTable()

	var mu sync.Mutex
	var handled []string
	q := NewExpirationQueue(func(_ context.Context, l Lease) error {
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, l.Cookie)
		return nil
	})
	s := NewSweeper(tbl, q, clk, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Run(ctx) }()
	go func() { _ = s.Run(ctx) }()

	tbl.Grant(Lease{Cookie: "a", Kind: KindEntry, Expiration: epoch.Add(time.Second)})
	testutil.StepWhenWaiting(t, clk, time.Second)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 1
	}, time.Second, 5*time.Millisecond)
	q.Terminate()
}
