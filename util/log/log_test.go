package log

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatTags(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "plain 1", format(ctx, "plain %d", []interface{}{1}))

	ctx = WithTag(ctx, "session", "T1")
	ctx = WithTag(ctx, "txn", 3)
	assert.Equal(t, "[session=T1,txn=3] read Alice", format(ctx, "read %s", []interface{}{"Alice"}))
}

func TestSetup(t *testing.T) {
	assert.NoError(t, Setup(2))
	assert.True(t, V(2))
	assert.False(t, V(3))
	assert.NoError(t, Setup(0))
	assert.False(t, V(1))
}
