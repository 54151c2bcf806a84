package threadspec_test

import (
	"context"
	"testing"

	"github.com/mna/brindille/internal/threadspec"
	"github.com/mna/brindille/lang/machine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatuses(t *testing.T) {
	cases := map[string]struct {
		status machine.Status
		stop   bool
	}{
		"aborting":       {machine.StatusAborting, false},
		"blocked":        {machine.StatusSleep, true},
		"completed":      {machine.StatusReaped, false},
		"current":        {machine.StatusRun, false},
		"dying-running":  {machine.StatusAborting, false},
		"dying-sleeping": {machine.StatusSleep, true},
		"killed":         {machine.StatusReaped, false},
		"running":        {machine.StatusRun, false},
		"sleeping":       {machine.StatusSleep, true},
		"uncaught":       {machine.StatusReaped, false},
	}
	require.Equal(t, len(cases), len(threadspec.Statuses))

	for _, name := range threadspec.StatusNames() {
		t.Run(name, func(t *testing.T) {
			want, ok := cases[name]
			require.True(t, ok)

			snap, err := threadspec.Statuses[name](context.Background(), nil)
			require.NoError(t, err)
			assert.Equal(t, want.status, snap.Status)
			assert.Equal(t, want.status.Alive(), snap.Alive)
			assert.Equal(t, want.stop, snap.Stop)
			assert.Equal(t, "#<Thread:0x0002 "+want.status.String()+">", snap.Inspect)
		})
	}
}

func TestStatusNames(t *testing.T) {
	names := threadspec.StatusNames()
	assert.Equal(t, "aborting", names[0])
	assert.Equal(t, "uncaught", names[len(names)-1])
}

func TestPad(t *testing.T) {
	var nilPad *threadspec.Pad
	nilPad.Record(1)
	assert.Nil(t, nilPad.Entries())

	var pad threadspec.Pad
	pad.Record(1)
	pad.Record("a")
	assert.Equal(t, []any{1, "a"}, pad.Entries())
}

func TestJoinDyingThreadWithOuterEnsure(t *testing.T) {
	var outer bool

	s := threadspec.NewScheduler(nil)
	_, err := s.Run(context.Background(), func() (any, error) {
		_, err := threadspec.JoinDyingThreadWithOuterEnsure(s, func() error {
			outer = true
			return nil
		})
		return nil, err
	})
	require.NoError(t, err)
	assert.True(t, outer)
}
