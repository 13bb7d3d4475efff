package nn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelListParse(t *testing.T) {
	var c ChannelList
	require.NoError(t, c.UnmarshalText([]byte("16,32,64")))
	assert.Equal(t, ChannelList{16, 32, 64}, c)
	assert.Equal(t, "16,32,64", c.String())
}

func TestChannelListParseSpaces(t *testing.T) {
	var c ChannelList
	require.NoError(t, c.UnmarshalText([]byte(" 8, 16 ,32 ")))
	assert.Equal(t, ChannelList{8, 16, 32}, c)
}

func TestChannelListRejectsNonInteger(t *testing.T) {
	var c ChannelList
	assert.Error(t, c.UnmarshalText([]byte("16,medium,64")))
}
