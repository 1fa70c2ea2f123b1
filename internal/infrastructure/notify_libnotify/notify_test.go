package notify_libnotify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/davarch/ci-promoter/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifier_Notify(t *testing.T) {
	t.Run("success - builds notify-send arguments", func(t *testing.T) {
		runner := &domain.MockRunner{}
		n := New(runner, Options{Urgency: "critical", Expire: 5 * time.Second})

		err := n.Notify(context.Background(), "promote: converged", "Run r1", "https://ci.example.com/runs/r1")

		require.NoError(t, err)
		require.Len(t, runner.Calls, 1)
		assert.Equal(t, []string{
			"notify-send", "--app-name=ci-promoter", "--urgency=critical", "--expire-time=5000",
			"promote: converged", "Run r1\nhttps://ci.example.com/runs/r1",
		}, runner.Calls[0])
	})

	t.Run("error - missing binary is reported", func(t *testing.T) {
		runner := &domain.MockRunner{Err: errors.New("exec: notify-send: not found")}

		err := New(runner, Options{}).Notify(context.Background(), "t", "b", "")

		assert.Error(t, err)
	})

	t.Run("success - soft notifier swallows failures", func(t *testing.T) {
		runner := &domain.MockRunner{Results: map[string]domain.CommandResult{"notify-send": {ExitCode: 1}}}

		err := NewSoft(runner, Options{}).Notify(context.Background(), "t", "b", "")

		assert.NoError(t, err)
	})
}
