package logging

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestInitLevelAndFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Init("debug", "json")
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)

	log = Init("nonsense", "text")
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, log.Formatter)
}

func TestInitAddsAppField(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	log := Init("info", "json")
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(nopWriter{})

	log.Info("hello")
	assert.Contains(t, buf.String(), `"app":"optout"`)
}
