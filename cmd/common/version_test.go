package common

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFullVersion(t *testing.T) {
	v := FullVersion()
	assert.True(t, strings.HasPrefix(v, ProjectVersion+"-"+BuildCommit))
	assert.Equal(t, ProjectName, GetVersionInfo().ProjectName)
	assert.True(t, IsDevBuild())
}
