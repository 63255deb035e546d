package ports

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriterInteractor(t *testing.T) {
	var buf bytes.Buffer
	i := NewWriterInteractor(&buf)

	i.Output("Downloading trained model to /tmp ...")
	i.Warning("slow link")
	i.Error("fetch", errors.New("reset"))
	i.Progress("weights.zip", 50, 200)
	i.Progress("weights.zip", 75, 0)

	assert.Equal(t,
		"Downloading trained model to /tmp ...\n"+
			"warning: slow link\n"+
			"error: fetch: reset\n"+
			"weights.zip: 50/200 bytes (25%)\n"+
			"weights.zip: 75 bytes\n",
		buf.String())
}

func TestDiscardImplementsInteractor(t *testing.T) {
	var i Interactor = Discard{}
	assert.NotPanics(t, func() {
		i.Output("x")
		i.Progress("x", 1, 2)
	})
}
