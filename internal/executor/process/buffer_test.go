package process

import (
	"bufio"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamBufferReadAfterClose(t *testing.T) {
	b := NewStreamBuffer()
	_, err := b.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = b.Write([]byte("world"))
	require.NoError(t, err)
	require.NoError(t, b.Close())

	out, err := io.ReadAll(b.Reader())
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(out))
}

func TestStreamBufferBlockingReader(t *testing.T) {
	b := NewStreamBuffer()

	var out []byte
	done := make(chan struct{})
	go func() {
		defer close(done)
		var err error
		out, err = io.ReadAll(b.Reader())
		assert.NoError(t, err)
	}()

	for i := 0; i < 10; i++ {
		_, err := b.Write([]byte("x"))
		require.NoError(t, err)
	}
	require.NoError(t, b.Close())
	<-done
	assert.Equal(t, "xxxxxxxxxx", string(out))
}

func TestStreamBufferIndependentReaders(t *testing.T) {
	b := NewStreamBuffer()
	_, err := b.Write([]byte("line1\nline2\n"))
	require.NoError(t, err)
	require.NoError(t, b.Close())

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sc := bufio.NewScanner(b.Reader())
			var lines []string
			for sc.Scan() {
				lines = append(lines, sc.Text())
			}
			assert.Equal(t, []string{"line1", "line2"}, lines)
		}()
	}
	wg.Wait()
}

func TestStreamBufferWriteAfterClose(t *testing.T) {
	b := NewStreamBuffer()
	require.NoError(t, b.Close())
	_, err := b.Write([]byte("late"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.Equal(t, 0, b.Len())
}
