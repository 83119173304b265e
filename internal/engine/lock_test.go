package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocker_SerializesSameProject(t *testing.T) {
	l := NewLocker("")
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "acme")
	require.NoError(t, err)

	var acquired atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		u, err := l.Lock(ctx, "acme")
		if err == nil {
			acquired.Store(true)
			u()
		}
	}()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, acquired.Load(), "second lock must wait")
	unlock()
	<-done
	assert.True(t, acquired.Load())
}

func TestLocker_ProjectsAreIndependent(t *testing.T) {
	l := NewLocker("")
	ctx := context.Background()

	a, err := l.Lock(ctx, "acme")
	require.NoError(t, err)
	defer a()
	b, err := l.Lock(ctx, "globex")
	require.NoError(t, err)
	b()
}

func TestLocker_ContextEndsWait(t *testing.T) {
	l := NewLocker("")
	unlock, err := l.Lock(context.Background(), "acme")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "acme")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocker_FileLockAcrossLockers(t *testing.T) {
	dir := t.TempDir()
	first := NewLocker(dir)
	second := NewLocker(dir)

	unlock, err := first.Lock(context.Background(), "acme")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err = second.Lock(ctx, "acme")
	require.Error(t, err, "a second process must not take a held project lock")

	unlock()
	again, err := second.Lock(context.Background(), "acme")
	require.NoError(t, err)
	again()
}

func TestLockFileName(t *testing.T) {
	assert.Equal(t, "acme.lock", lockFileName("acme"))
	assert.Equal(t, "__etc_passwd.lock", lockFileName("../etc/passwd"))
}
