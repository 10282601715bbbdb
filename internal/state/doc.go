/*
Package state implements the lifecycle of a stream:

    Idle -> Launching -> Running -> Stopping -> Idle

Idle is both initial and terminal state between launches. Launching may
also go directly to Stopping if devices fail to arm or start.
*/
package state
