package dicomfile

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidUID(t *testing.T) {
	for _, uid := range []string{"1", "1.2.3", "1.2.840.10008.5.1.4.1.1.7", strings.Repeat("1", MaxUIDLength)} {
		assert.True(t, ValidUID(uid), uid)
	}
	for _, uid := range []string{
		"",
		".1.2",
		"1.2.",
		"1..2",
		"../../etc",
		"1.2/3",
		`1.2\3`,
		"1.2.abc",
		"1.2.3 ",
		strings.Repeat("1", MaxUIDLength+1),
	} {
		assert.False(t, ValidUID(uid), uid)
	}
}
