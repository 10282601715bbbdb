//go:build portaudio

package main

import (
	"github.com/sirupsen/logrus"

	"pipelined.dev/streamer/driver"
	"pipelined.dev/streamer/driver/portaudio"
)

func init() {
	drivers["portaudio"] = func(logrus.FieldLogger) driver.Driver {
		return &portaudio.Driver{}
	}
}
