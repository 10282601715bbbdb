package log_test

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"pipelined.dev/streamer/log"
)

func TestGetLogger(t *testing.T) {
	l := log.GetLogger()
	assert.NotNil(t, l)
	assert.Contains(t, []logrus.Level{logrus.InfoLevel, logrus.DebugLevel}, l.GetLevel())
}

func TestDiscard(t *testing.T) {
	l := log.Discard()
	l.Info("nothing")
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
}
