package interrupt

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestToken_SetAndCheck(t *testing.T) {
	tok := New(context.Background())
	assert.False(t, tok.IsSet())
	assert.NoError(t, tok.Check())

	tok.Set()
	tok.Set()
	assert.True(t, tok.IsSet())
	assert.ErrorIs(t, tok.Check(), ErrInterrupted)
	assert.ErrorIs(t, tok.Context().Err(), context.Canceled)

	select {
	case <-tok.Done():
	default:
		t.Fatal("Done should be closed after Set")
	}
}

func TestToken_ParentCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	tok := New(parent)
	cancel()
	assert.True(t, tok.IsSet())
	assert.ErrorIs(t, tok.Check(), ErrInterrupted)
}

func TestToken_WaitReturnsEarly(t *testing.T) {
	tok := New(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		tok.Set()
	}()

	start := time.Now()
	err := tok.Wait(5 * time.Second)
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestToken_WaitElapses(t *testing.T) {
	tok := New(context.Background())
	defer tok.Set()
	assert.NoError(t, tok.Wait(5*time.Millisecond))
	assert.NoError(t, tok.Wait(0))
}

func TestToken_Reset(t *testing.T) {
	tok := New(context.Background())
	tok.Set()
	tok.Reset(context.Background())
	defer tok.Set()

	assert.False(t, tok.IsSet())
	assert.NoError(t, tok.Check())
}

func TestToken_Translate(t *testing.T) {
	tok := New(context.Background())
	plain := errors.New("boom")

	assert.NoError(t, tok.Translate(nil))
	assert.Equal(t, plain, tok.Translate(plain))
	assert.ErrorIs(t, tok.Translate(context.Canceled), context.Canceled, "not set yet, so cancellation is not a stop")

	tok.Set()
	assert.ErrorIs(t, tok.Translate(fmt.Errorf("cdp call: %w", context.Canceled)), ErrInterrupted)
	assert.Equal(t, plain, tok.Translate(plain))
	assert.True(t, IsInterrupted(fmt.Errorf("wrapped: %w", ErrInterrupted)))
}
