package startup

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadyPrintsOnce(t *testing.T) {
	h := &Hook{Name: "news"}
	var out bytes.Buffer

	assert.False(t, h.Done())
	assert.True(t, h.Ready(&out))
	assert.False(t, h.Ready(&out))
	assert.True(t, h.Done())

	assert.Equal(t, "Custom app starting up\n", out.String())
}

func TestReadyConcurrent(t *testing.T) {
	h := &Hook{Name: "news"}
	var (
		mu  sync.Mutex
		out bytes.Buffer
		wg  sync.WaitGroup
	)
	w := writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return out.Write(p)
	})

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Ready(w)
		}()
	}
	wg.Wait()

	assert.Equal(t, "Custom app starting up\n", out.String())
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
