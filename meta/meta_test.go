package meta

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlatform(t *testing.T) {
	assert.Equal(t, "orconn v0.1.0 on Linux", platform("v0.1.0", "linux"))
	assert.Equal(t, "orconn v0.1.0 on plan9", platform("v0.1.0", "plan9"))
	assert.True(t, strings.HasPrefix(platform("", "darwin"), "orconn "))
	assert.True(t, strings.HasSuffix(platform("", "darwin"), " on Darwin"))
}

func TestRevision(t *testing.T) {
	assert.NotEmpty(t, Revision())
}
