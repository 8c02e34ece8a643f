//go:build unix

package process_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/procpool/internal/process"
)

func shell(script string) process.Spec {
	return process.Spec{Command: "/bin/sh", Args: []string{"-c", script}, GracePeriod: 100 * time.Millisecond}
}

func receive(t *testing.T, m *process.Manager) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	line, err := m.ReceiveLine(ctx)
	require.NoError(t, err)
	return line
}

func finishesWithin(t *testing.T, d time.Duration, fn func() error) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(d):
		t.Fatalf("still blocked after %s", d)
	}
}

func TestKillReachesForkedChildren(t *testing.T) {
	m := spawn(t, shell("sleep 30 & echo ready; while read l; do :; done"))
	require.Equal(t, "ready", receive(t, m))

	finishesWithin(t, 5*time.Second, m.Kill)
	select {
	case <-m.Exited():
	default:
		t.Fatal("Exited not closed after Kill")
	}
}

func TestStopReachesForkedChildren(t *testing.T) {
	m := spawn(t, shell("sleep 30 & echo ready; while read l; do :; done"))
	require.Equal(t, "ready", receive(t, m))

	finishesWithin(t, 5*time.Second, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return m.Stop(ctx)
	})
}

func TestBlankResultLineIsDelivered(t *testing.T) {
	m := spawn(t, shell("while read l; do echo; done"))

	require.NoError(t, m.SendLine(`{"message":"x"}`))
	assert.Equal(t, "", receive(t, m))
}

func TestDiscardPending(t *testing.T) {
	m := spawn(t, shell(`echo one; echo two; while read l; do echo "re:$l"; done`))

	var stray []string
	require.Eventually(t, func() bool {
		stray = append(stray, m.DiscardPending()...)
		return len(stray) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"one", "two"}, stray)

	require.NoError(t, m.SendLine("task"))
	assert.Equal(t, "re:task", receive(t, m))
	assert.Empty(t, m.DiscardPending())
}
