package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildIdentity(t *testing.T) {
	Set(1042, "1.4.2")

	assert.EqualValues(t, 1042, Build())
	assert.Equal(t, "1.4.2", Version())
}

func TestBuild_InvalidLinkTimeValue(t *testing.T) {
	Set(7, "0.0.7")

	build = "not-a-number"
	assert.Zero(t, Build())
}
