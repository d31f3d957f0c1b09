package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONCarriesComponent(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Level: "debug", Format: "json", Output: &buf})
	require.NoError(t, err)

	Component(l, "remote").WithField("target", 2).Debug("watch frame")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "remote", line["component"])
	assert.Equal(t, "watch frame", line["msg"])
	assert.EqualValues(t, 2, line["target"])
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	assert.Error(t, err)

	_, err = New(Options{Format: "xml"})
	assert.Error(t, err)
}

func TestDefaultsToInfo(t *testing.T) {
	l, err := New(Options{Output: &bytes.Buffer{}})
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
	assert.NotNil(t, OrDiscard(nil))
}
