package relay

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingResolvesOnce(t *testing.T) {
	tbl := newPendingTable()
	p := tbl.add("a", nil)

	require.True(t, tbl.resolve("a", result{resp: &Response{StatusCode: 200}}))
	assert.False(t, tbl.resolve("a", result{resp: &Response{StatusCode: 500}}))
	assert.False(t, tbl.remove("a"))
	assert.False(t, tbl.resolve("unknown", result{}))

	res := <-p.done
	assert.Equal(t, 200, res.resp.StatusCode)
	assert.Equal(t, 0, tbl.len())
}

func TestPendingFailConnOnlyTouchesThatConn(t *testing.T) {
	tbl := newPendingTable()
	oldConn, newConn := &Conn{relayID: "old"}, &Conn{relayID: "new"}
	a := tbl.add("a", oldConn)
	b := tbl.add("b", oldConn)
	tbl.add("c", newConn)

	assert.Equal(t, 2, tbl.failConn(oldConn, ErrRelayDisconnected))
	for _, p := range []*pendingRequest{a, b} {
		res := <-p.done
		assert.True(t, errors.Is(res.err, ErrRelayDisconnected))
	}
	assert.Equal(t, 1, tbl.len())
	assert.True(t, tbl.remove("c"))
}

func TestPendingRacingResolutionsHaveOneWinner(t *testing.T) {
	for i := 0; i < 200; i++ {
		tbl := newPendingTable()
		c := &Conn{}
		p := tbl.add("x", c)

		var wins atomic.Int32
		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			if tbl.resolve("x", result{resp: &Response{StatusCode: 200}}) {
				wins.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			if tbl.remove("x") {
				wins.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			wins.Add(int32(tbl.failConn(c, ErrRelayDisconnected)))
		}()
		wg.Wait()

		require.Equal(t, int32(1), wins.Load())
		// at most one result was ever delivered
		select {
		case <-p.done:
		default:
		}
		select {
		case <-p.done:
			t.Fatal("second result delivered")
		default:
		}
	}
}
