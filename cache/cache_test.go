package cache

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCacheBeginFinish(t *testing.T) {
	c := NewRunCache()

	assert.True(t, c.Begin("flask-app"))
	assert.False(t, c.Begin("flask-app"), "second run for the same app must be rejected")
	assert.True(t, c.Begin("other-app"), "different apps run independently")

	c.Finish("flask-app")
	assert.True(t, c.Begin("flask-app"))
}

func TestRunCacheStoreRead(t *testing.T) {
	c := NewRunCache()

	type record struct {
		App    string `json:"app"`
		Status string `json:"status"`
	}

	c.Store("evt-1", record{App: "flask-app", Status: "succeeded"})

	data, ok := c.Read("evt-1")
	require.True(t, ok)

	var got record
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "flask-app", got.App)
	assert.Equal(t, "succeeded", got.Status)

	_, ok = c.Read("evt-unknown")
	assert.False(t, ok)
}
