package region

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_Lookup(t *testing.T) {
	table := Default()

	cases := map[string]Region{
		"臺北市":   North,
		"台北市":   North,
		" 新北市 ": North,
		"臺中市":   Central,
		"台中市":   Central,
		"高雄市":   South,
		"屏東縣":   South,
		"花蓮縣":   East,
		"台東縣":   East,
		"金門縣":   Outlying,
		"連江縣":   Outlying,
	}
	for county, want := range cases {
		assert.Equal(t, want, table.Lookup(county), "county %q", county)
	}
}

func TestDefault_UnknownCounty(t *testing.T) {
	table := Default()
	assert.Equal(t, Unknown, table.Lookup(""))
	assert.Equal(t, Unknown, table.Lookup("Atlantis"))
}

func TestParse_RejectsUnknownRegion(t *testing.T) {
	_, err := Parse([]byte("westeros:\n  - 臺北市\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "westeros")
}

func TestParse_RejectsConflictingCounty(t *testing.T) {
	_, err := Parse([]byte("north:\n  - 臺北市\nsouth:\n  - 台北市\n"))
	require.Error(t, err)
}

func TestParse_Custom(t *testing.T) {
	table, err := Parse([]byte("east:\n  - 宜蘭縣\n"))
	require.NoError(t, err)
	assert.Equal(t, East, table.Lookup("宜蘭縣"))
	assert.Equal(t, Unknown, table.Lookup("臺北市"))
}
