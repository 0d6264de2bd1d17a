package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsDev(t *testing.T) {
	original := Version
	defer func() { Version = original }()

	for v, want := range map[string]bool{"dev": true, "1.0.0": false, "": false} {
		Version = v
		assert.Equal(t, want, IsDev(), "Version=%q", v)
	}
}

func TestUserAgent(t *testing.T) {
	origV, origC := Version, Commit
	defer func() { Version, Commit = origV, origC }()

	Version, Commit = "dev", "none"
	assert.Equal(t, "sessionguard/dev", UserAgent())

	Version, Commit = "dev", "abc123"
	assert.Equal(t, "sessionguard/dev+abc123", UserAgent())

	Version = "1.2.3"
	assert.Equal(t, "sessionguard/1.2.3", UserAgent())
}
