package filter

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireCommands(t *testing.T, names ...string) {
	t.Helper()
	for _, n := range names {
		if _, err := exec.LookPath(n); err != nil {
			t.Skipf("%v isn't available: %v", n, err)
		}
	}
}

func TestRun(t *testing.T) {
	requireCommands(t, "cat", "tr", "sh")

	testCases := []struct {
		description   string
		cmds          []Command
		in            string
		expected      string
		shouldBeError bool
	}{
		{
			description: "no filters",
			in:          "hello",
			expected:    "hello",
		},
		{
			description: "one filter",
			cmds:        []Command{{Command: "tr", Args: []string{"a-z", "A-Z"}}},
			in:          "hello",
			expected:    "HELLO",
		},
		{
			description: "filters run in order",
			cmds: []Command{
				{Command: "tr", Args: []string{"a-z", "A-Z"}},
				{Command: "tr", Args: []string{"L", "1"}},
				{Command: "cat"},
			},
			in:       "hello",
			expected: "HE11O",
		},
		{
			description: "failing filter",
			cmds: []Command{
				{Command: "cat"},
				{Command: "sh", Args: []string{"-c", "echo broken >&2; exit 3"}},
			},
			in:            "hello",
			shouldBeError: true,
		},
		{
			description:   "missing program",
			cmds:          []Command{{Command: "relaymail-no-such-filter"}},
			in:            "hello",
			shouldBeError: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			out, err := Run(context.Background(), tc.cmds, []byte(tc.in))
			if tc.shouldBeError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, string(out))
		})
	}
}

func TestRunReportsStderr(t *testing.T) {
	requireCommands(t, "sh")

	_, err := Run(context.Background(), []Command{
		{Command: "sh", Args: []string{"-c", "cat >/dev/null; echo bad input >&2; exit 1"}},
	}, []byte("hello"))

	var fe *Error
	require.True(t, errors.As(err, &fe), "expected a *filter.Error, got %v", err)
	assert.Equal(t, "bad input", fe.Stderr)
	assert.True(t, strings.Contains(err.Error(), "bad input"))
}

func TestRunCancelled(t *testing.T) {
	requireCommands(t, "sleep")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, []Command{{Command: "sleep", Args: []string{"10"}}}, nil)
	assert.Error(t, err)
}

func TestCommandCheckAndSetDefaults(t *testing.T) {
	c := Command{Command: " "}
	_, err := c.CheckAndSetDefaults()
	assert.Error(t, err)

	c = Command{Command: "fmt", Args: []string{"-w", "72"}}
	got, err := c.CheckAndSetDefaults()
	require.NoError(t, err)
	assert.Equal(t, "fmt -w 72", got.String())
}
