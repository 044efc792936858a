package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeMigrator struct {
	ups       int
	downSteps []int
	version   uint
	err       error
}

func (f *fakeMigrator) Up() error {
	f.ups++
	return f.err
}

func (f *fakeMigrator) Down(steps int) error {
	f.downSteps = append(f.downSteps, steps)
	return f.err
}

func (f *fakeMigrator) Version() (uint, bool, error) {
	return f.version, false, f.err
}

func TestRunAction(t *testing.T) {
	t.Run("up", func(t *testing.T) {
		f := &fakeMigrator{}
		require.NoError(t, runAction(f, "up", 1, zap.NewNop()))
		assert.Equal(t, 1, f.ups)
	})

	t.Run("down passes steps", func(t *testing.T) {
		f := &fakeMigrator{}
		require.NoError(t, runAction(f, "down", 2, zap.NewNop()))
		assert.Equal(t, []int{2}, f.downSteps)
	})

	t.Run("version is logged", func(t *testing.T) {
		core, logs := observer.New(zap.InfoLevel)
		f := &fakeMigrator{version: 4}
		require.NoError(t, runAction(f, "version", 0, zap.New(core)))

		entries := logs.FilterMessage("schema version").All()
		require.Len(t, entries, 1)
		assert.Equal(t, uint64(4), entries[0].ContextMap()["version"])
	})

	t.Run("errors propagate", func(t *testing.T) {
		f := &fakeMigrator{err: errors.New("dirty database")}
		assert.EqualError(t, runAction(f, "up", 0, zap.NewNop()), "dirty database")
	})

	t.Run("unknown action", func(t *testing.T) {
		err := runAction(&fakeMigrator{}, "sideways", 0, zap.NewNop())
		assert.ErrorContains(t, err, "unknown action")
	})
}
