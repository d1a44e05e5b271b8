package handler

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/cuongbtq/dispatch-core/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobCursor(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 891, time.UTC)
	encoded := EncodeJobCursor(&queue.JobCursor{CreatedAt: at, JobID: "job-1"})

	cursor, err := DecodeJobCursor(encoded)
	require.NoError(t, err)
	assert.True(t, at.Equal(cursor.CreatedAt))
	assert.Equal(t, "job-1", cursor.JobID)

	cursor, err = DecodeJobCursor("")
	require.NoError(t, err)
	assert.Nil(t, cursor)

	for _, bad := range []string{"!!!", base64.URLEncoding.EncodeToString([]byte("nopipe")), base64.URLEncoding.EncodeToString([]byte("abc|job"))} {
		_, err := DecodeJobCursor(bad)
		assert.Error(t, err, bad)
	}
}
