package version

import (
	"runtime/debug"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve_LdflagsWin(t *testing.T) {
	read := func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
		}}, true
	}

	b := resolve("1.4.0", "feedfacecafe", "2026-02-01", read)
	assert.Equal(t, "1.4.0", b.Version)
	assert.Equal(t, "feedfacecafe", b.Commit)
	assert.Equal(t, "2026-02-01", b.Date)
	assert.Equal(t, "feedfac", b.ShortCommit())
}

func TestResolve_FallsBackToVCS(t *testing.T) {
	read := func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
			{Key: "vcs.modified", Value: "true"},
		}}, true
	}

	b := resolve("dev", "", "", read)
	assert.Equal(t, "0123456789abcdef", b.Commit)
	assert.Equal(t, "2026-01-02T03:04:05Z", b.Date)
	assert.True(t, b.Modified)
	assert.True(t, strings.HasSuffix(b.String(), " dirty"))
	assert.Contains(t, b.String(), "commit=0123456")
}

func TestResolve_NoBuildInfo(t *testing.T) {
	b := resolve("dev", "", "", func() (*debug.BuildInfo, bool) { return nil, false })
	assert.Equal(t, "unknown", b.Commit)
	assert.Equal(t, "unknown", b.Date)
	assert.Equal(t, "unknown", b.ShortCommit())
	assert.NotEmpty(t, b.GoVersion)
}

func TestUserAgent(t *testing.T) {
	assert.True(t, strings.HasPrefix(UserAgent(), "storefront-orders/"+Current().Version))
}
