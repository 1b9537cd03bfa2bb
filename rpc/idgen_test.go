package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIDGenReusesLowest(t *testing.T) {
	var g idgen[ExportID]

	assert.Equal(t, ExportID(0), g.get())
	assert.Equal(t, ExportID(1), g.get())
	assert.Equal(t, ExportID(2), g.get())
	assert.Equal(t, ExportID(3), g.get())

	g.put(2)
	g.put(1)

	assert.Equal(t, ExportID(1), g.get())
	assert.Equal(t, ExportID(2), g.get())
	assert.Equal(t, ExportID(4), g.get())
}
