package command_test

import (
	"context"
	"testing"
	"time"

	"codeberg.org/mutker/healthwatch/internal/command"
	"codeberg.org/mutker/healthwatch/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecCapturesOutput(t *testing.T) {
	res, err := command.Exec{}.Run(context.Background(), command.Cmd{
		Name: "sh",
		Args: []string{"-c", "echo $HW_TEST_VALUE"},
		Env:  []string{"HW_TEST_VALUE=hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Output)
	assert.Equal(t, 0, res.ExitCode)
}

func TestExecReportsExitCode(t *testing.T) {
	res, err := command.Exec{}.Run(context.Background(), command.Cmd{Name: "sh", Args: []string{"-c", "exit 3"}})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrOperationFailed))
	assert.Equal(t, 3, res.ExitCode)
}

func TestExecIsBoundedByTimeout(t *testing.T) {
	start := time.Now()
	_, err := command.Exec{}.Run(context.Background(), command.Cmd{
		Name:    "sleep",
		Args:    []string{"5"},
		Timeout: 50 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrTimeout))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestExecRejectsEmptyCommand(t *testing.T) {
	_, err := command.Exec{}.Run(context.Background(), command.Cmd{})
	assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))
}
