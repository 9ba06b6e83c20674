package common

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrimQuotes(t *testing.T) {
	for in, want := range map[string]string{
		`"double"`:  "double",
		`'single'`:  "single",
		`plain`:     "plain",
		`"'mixed'"`: "'mixed'",
		`"'arg`:     `"'arg`, // unbalanced stays untouched
		``:          ``,
		`"`:         `"`,
	} {
		assert.Equal(t, want, TrimQuotes(in), in)
	}
}

func TestCreateWaitForEventHandler(t *testing.T) {
	ctx := context.Background()
	emitter := NewBaseEventEmitter(ctx)

	ch, cancel := createWaitForEventHandler(ctx, &emitter, []string{EventPageClose},
		func(data any) bool { return data == "wanted" })
	defer cancel()

	emitter.emit(EventPageClose, "unwanted")
	emitter.emit(EventPageClose, "wanted")

	select {
	case data := <-ch:
		require.Equal(t, "wanted", data)
	case <-time.After(2 * time.Second):
		t.Fatal("matching event never arrived")
	}
}
