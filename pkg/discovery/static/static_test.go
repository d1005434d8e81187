package static

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	d := New(" a:1 ", "", "b:2", "a:1", "a")
	got := d.Seeds()
	assert.Equal(t, []string{"a:1", "b:2", "a"}, got)
	// returned slice is a copy
	got[0] = "x"
	assert.Equal(t, "a:1", d.Seeds()[0])
	assert.Empty(t, New().Seeds())
}

func TestWithout(t *testing.T) {
	d := New("127.0.0.1:7946", "10.0.0.2:7946", "localhost:7947")
	assert.Equal(t, List{"10.0.0.2:7946", "localhost:7947"}, Without(d, "localhost:7946"))
	assert.Equal(t, List{"127.0.0.1:7946", "localhost:7947"}, Without(d, "10.0.0.2:7946"))
	assert.Equal(t, List{"127.0.0.1:7946", "10.0.0.2:7946", "localhost:7947"}, Without(d, ":7948"))
}
