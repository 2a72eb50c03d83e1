package orconn

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveVersion(t *testing.T) {
	a := []LinkProtocolVersion{1, 2, 3, 4, 5}
	b := []LinkProtocolVersion{4, 6, 7, 8, 9}
	v, err := ResolveVersion(a, b)
	assert.Equal(t, v, LinkProtocolVersion(4))
	assert.NoError(t, err)
}

func TestResolveVersionOurs(t *testing.T) {
	v, err := ResolveVersion(SupportedLinkProtocolVersions, []LinkProtocolVersion{2, 3, 4, 5})
	assert.NoError(t, err)
	assert.Equal(t, LinkProtocolVersion(3), v)
}

func TestResolveVersionNoCommonVersion(t *testing.T) {
	a := []LinkProtocolVersion{1, 2, 3}
	b := []LinkProtocolVersion{4, 5, 6}
	v, err := ResolveVersion(a, b)
	assert.Equal(t, v, LinkProtocolNone)
	assert.Equal(t, err, ErrNoCommonVersion)
}

func TestVersionsFor(t *testing.T) {
	assert.Equal(t, []LinkProtocolVersion{3}, VersionsFor(true))
	assert.Equal(t, []LinkProtocolVersion{1, 2}, VersionsFor(false))
}
