package trigger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelined.dev/streamer/internal/trigger"
)

func TestArrange(t *testing.T) {
	var tests = []struct {
		name       string
		roles      []trigger.Role
		startsLast string
		external   []string
		expected   trigger.Order
		err        error
	}{
		{
			name: "independent",
			roles: []trigger.Role{
				{Device: "Dev1"},
				{Device: "Dev2"},
			},
			expected: trigger.Order{0, 1},
		},
		{
			name: "producer declared first",
			roles: []trigger.Role{
				{Device: "Dev1", Out: "PFI0"},
				{Device: "Dev2", In: "PFI0"},
			},
			expected: trigger.Order{1, 0},
		},
		{
			name: "relay waits with sinks",
			roles: []trigger.Role{
				{Device: "Dev1", Out: "PFI0"},
				{Device: "Dev2", In: "PFI0", Out: "PFI1"},
				{Device: "Dev3", In: "PFI1"},
				{Device: "Dev4"},
			},
			expected: trigger.Order{1, 2, 3, 0},
		},
		{
			name: "starts last override",
			roles: []trigger.Role{
				{Device: "Dev1"},
				{Device: "Dev2", Out: "PFI0"},
				{Device: "Dev3", In: "PFI0"},
			},
			startsLast: "Dev1",
			expected:   trigger.Order{2, 1, 0},
		},
		{
			name: "external line",
			roles: []trigger.Role{
				{Device: "Dev1", In: "PFI3"},
			},
			external: []string{"PFI3"},
			expected: trigger.Order{0},
		},
		{
			name: "dangling",
			roles: []trigger.Role{
				{Device: "Dev1", Out: "PFI0"},
				{Device: "Dev2", In: "PFI1"},
			},
			err: trigger.ErrDangling,
		},
		{
			name: "unknown starts last",
			roles: []trigger.Role{
				{Device: "Dev1"},
			},
			startsLast: "Dev9",
			err:        trigger.ErrUnknownDevice,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			order, err := trigger.Arrange(test.roles, test.startsLast, test.external...)
			if test.err != nil {
				assert.True(t, errors.Is(err, test.err), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expected, order)
		})
	}
}

type device struct {
	name    string
	log     *[]string
	failArm error
}

func (d *device) Arm(context.Context) error {
	if d.failArm != nil {
		return d.failArm
	}
	*d.log = append(*d.log, "arm "+d.name)
	return nil
}

func (d *device) Start(context.Context) error {
	*d.log = append(*d.log, "start "+d.name)
	return nil
}

func TestLaunch(t *testing.T) {
	var log []string
	devices := []trigger.Device{
		&device{name: "B", log: &log},
		&device{name: "A", log: &log},
	}
	order, err := trigger.Arrange([]trigger.Role{
		{Device: "B", Out: "PFI0"},
		{Device: "A", In: "PFI0"},
	}, "")
	require.NoError(t, err)

	require.NoError(t, order.Launch(context.Background(), devices))
	assert.Equal(t, []string{"arm A", "arm B", "start A", "start B"}, log)

	errArm := errors.New("arm failed")
	log = nil
	devices[1].(*device).failArm = errArm
	err = order.Launch(context.Background(), devices)
	assert.True(t, errors.Is(err, errArm))
	var terr *trigger.Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, 1, terr.Index)
	assert.Equal(t, "arm", terr.Op)
	assert.Empty(t, log)
}
