/*
Package streamer drives synchronized waveform generation across multiple
data-acquisition devices.

Concept

Each device gets a sample plan: an immutable, fully computed buffer of
samples for every channel of the device. The stream delivers plans to the
devices in chunks, while the devices generate them in real time:

    Plan - the samples of a single device;
    Chunk - the window of the plan written into the device buffer at once;
    Task - the configured device driven by the driver.

Chunks are written by one goroutine per device. The writer blocks while
the device buffer is full and polls the number of generated samples after
every write. Writers share only the stop request and progress counters.

Triggers

Devices can wait for a trigger line produced by another device. Before
generation starts, all devices are armed, so the devices that wait for the
trigger are ready when producers start. Then devices are started in the
following order:

    devices that wait for a trigger or have no trigger role;
    devices that produce a trigger;
    the device configured to start last.

Repetitions

Sequence can be repeated two ways. Re-launch runs the stream once per
repetition and re-arms devices each time:

    n, err := s.Run(ctx, 100)

In-stream loop wraps the plan without re-arming:

    err := s.Launch(ctx, streamer.InStream(100))

In both cases the stop request is honored at the end of the repetition in
flight, so the number of generated repetitions is always an integer.

Lifecycle

Stream is created with Init, launched, awaited and closed:

    s, err := streamer.Init(ctx, drv, devices)
    if err != nil {
        return err
    }
    defer s.Close()
    if err := s.Launch(ctx); err != nil {
        return err
    }
    _, err = s.WaitUntilFinished(0)

Scoped closes the stream on every exit path.
*/
package streamer
