package mock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelined.dev/streamer/driver"
	"pipelined.dev/streamer/mock"
)

var ctx = context.Background()

func chunk(values ...float64) driver.Chunk {
	return driver.Chunk{Samples: [][]float64{values}}
}

func TestTask(t *testing.T) {
	d := &mock.Driver{
		Tasks: map[string]*mock.Task{
			"Dev1": {Record: true},
		},
	}
	task, err := d.Open(ctx, driver.TaskConfig{DeviceID: "Dev1", Channels: 1})
	require.NoError(t, err)
	m := d.Task("Dev1")
	assert.Equal(t, "Dev1", m.Config.DeviceID)

	require.NoError(t, task.Write(ctx, chunk(1, 2, 3)))
	require.NoError(t, task.Arm(ctx))
	require.NoError(t, task.Start(ctx))
	last := chunk(4)
	last.Last = true
	require.NoError(t, task.Write(ctx, last))

	writes, samples, total := m.Count()
	assert.Equal(t, 2, writes)
	assert.Equal(t, 4, samples)
	assert.Equal(t, 4, total)
	assert.True(t, m.LastSeen())
	generated, err := task.Generated()
	require.NoError(t, err)
	assert.Equal(t, int64(4), generated)

	// stop resets the run counters only
	require.NoError(t, task.Stop(ctx))
	require.NoError(t, task.Write(ctx, chunk(5)))
	writes, samples, total = m.Count()
	assert.Equal(t, 1, writes)
	assert.Equal(t, 1, samples)
	assert.Equal(t, 5, total)
	assert.Equal(t, [][]float64{{1, 2, 3, 4, 5}}, m.Samples())

	require.NoError(t, task.Close())
	assert.Equal(t, mock.Hooks{Armed: 1, Started: 1, Stopped: 1, Closed: 1}, m.HooksCalled())
	assert.Equal(t, []string{"open Dev1", "arm Dev1", "start Dev1", "stop Dev1", "close Dev1"}, d.Log())
}

func TestErrors(t *testing.T) {
	errMock := errors.New("mock error")
	d := &mock.Driver{
		Tasks: map[string]*mock.Task{
			"Dev1": {ErrorOnWrite: errMock, FailAfter: 2},
			"Dev2": {ErrorOnArm: errMock, ErrorOnGenerated: errMock},
		},
	}
	dev1, err := d.Open(ctx, driver.TaskConfig{DeviceID: "Dev1"})
	require.NoError(t, err)
	require.NoError(t, dev1.Write(ctx, chunk(1)))
	require.NoError(t, dev1.Write(ctx, chunk(1)))
	assert.Equal(t, errMock, dev1.Write(ctx, chunk(1)))

	dev2, err := d.Open(ctx, driver.TaskConfig{DeviceID: "Dev2"})
	require.NoError(t, err)
	assert.Equal(t, errMock, dev2.Arm(ctx))
	_, err = dev2.Generated()
	assert.Equal(t, errMock, err)

	d.ErrorOnOpen = errMock
	_, err = d.Open(ctx, driver.TaskConfig{DeviceID: "Dev3"})
	assert.Equal(t, errMock, err)
}

func TestWriteDelay(t *testing.T) {
	d := &mock.Driver{
		Tasks: map[string]*mock.Task{
			"Dev1": {WriteDelay: time.Second},
		},
	}
	task, err := d.Open(ctx, driver.TaskConfig{DeviceID: "Dev1"})
	require.NoError(t, err)

	// empty chunk is not delayed
	require.NoError(t, task.Write(ctx, driver.Chunk{Last: true}))
	wctx, cancel := context.WithTimeout(ctx, time.Millisecond)
	defer cancel()
	assert.True(t, errors.Is(task.Write(wctx, chunk(1)), context.DeadlineExceeded))
}

func TestRefClock(t *testing.T) {
	d := &mock.Driver{}
	_, err := d.Open(ctx, driver.TaskConfig{DeviceID: "Dev1"})
	require.NoError(t, err)
	require.NoError(t, d.ShareRefClock(ctx, "Dev1", "RTSI7"))
	assert.Equal(t, "Dev1/RTSI7", d.SharedRefClock())
	require.NoError(t, d.UnshareRefClock(ctx, "Dev1"))
	assert.Empty(t, d.SharedRefClock())

	d.ErrorOnShareRefClock = errors.New("busy")
	assert.Error(t, d.ShareRefClock(ctx, "Dev1", "RTSI7"))
}
