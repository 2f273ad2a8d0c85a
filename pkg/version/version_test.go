package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShortTruncatesLongHashes(t *testing.T) {
	assert.Equal(t, "a3f8c2d1", short("a3f8c2d1e9b70456"))
	assert.Equal(t, "dev", short("dev"))
}

func TestFullCarriesAppName(t *testing.T) {
	assert.True(t, strings.HasPrefix(Full(), AppName+"/"))
}

func TestUserAgentCarriesGoRuntime(t *testing.T) {
	ua := UserAgent()
	assert.True(t, strings.HasPrefix(ua, Full()+" (go"))
	assert.True(t, strings.HasSuffix(ua, ")"))
}
