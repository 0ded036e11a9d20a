package rabbit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "nlds-api.catalog-put.initiate",
		Key(QueueCatalogPut, ActionInitiate))
	assert.Equal(t, "nlds-api.route.*", Key(QueueRoute, Wild))
}

func TestSplitKey(t *testing.T) {
	tests := []struct {
		key    string
		worker string
		action string
		ok     bool
	}{
		{"nlds-api.index.initiate", "index", "initiate", true},
		{"nlds-api.archive-get.prepare-check", "archive-get", "prepare-check", true},
		{"nlds-api.catalog-put.init-complete", "catalog-put", "init-complete", true},
		{"nlds-api.index", "", "", false},
		{"junk", "", "", false},
	}
	for _, tt := range tests {
		worker, action, ok := SplitKey(tt.key)
		assert.Equal(t, tt.ok, ok, tt.key)
		assert.Equal(t, tt.worker, worker, tt.key)
		assert.Equal(t, tt.action, action, tt.key)
	}
}

func TestIsEvent(t *testing.T) {
	assert.True(t, IsEvent(ActionComplete))
	assert.True(t, IsEvent(ActionFailed))
	assert.True(t, IsEvent(ActionInitComplete))
	assert.True(t, IsEvent(ActionArchiveRestore))
	assert.False(t, IsEvent(ActionStart))
	assert.False(t, IsEvent(ActionInitiate))
	assert.False(t, IsEvent(ActionPrepareCheck))
}
