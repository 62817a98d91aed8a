package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReceive(t *testing.T) {
	t.Parallel()
	ch := make(chan int, 1)
	ch <- 7
	assert.Equal(t, 7, Receive(t, ch, time.Second, "value"))
}

func TestRequireClosed(t *testing.T) {
	t.Parallel()
	ch := make(chan string, 2)
	ch <- "a"
	ch <- "b"
	close(ch)
	RequireClosed(t, ch, time.Second, "closed")
}

func TestLoggerDiscards(t *testing.T) {
	t.Parallel()
	log := Logger()
	log.Error("dropped")
	assert.NotNil(t, log.Module("x"))
}
