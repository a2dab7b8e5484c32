package webhook

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/syncengine/internal/models"
)

func TestMessageObjectIncludesDedupedParticipants(t *testing.T) {
	m := &models.MessageIndexEntry{
		FolderID:     3,
		UID:          42,
		ThreadID:     "t1",
		Subject:      "hello",
		From:         []string{"a@example.com"},
		To:           []string{"b@example.com", "a@example.com"},
		Flags:        []string{"\\Seen"},
		InternalDate: time.Unix(1700000000, 0),
	}

	body, err := MessageObject(7, "INBOX", m)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "INBOX", got["folder"])
	assert.Equal(t, "7:3:42", got["message_id"])
	assert.ElementsMatch(t, []any{"a@example.com", "b@example.com"}, got["participants"])
}

func TestEnvelopeWrapsObjectWithDeliveryMetadata(t *testing.T) {
	object, err := FolderUpdatedObject(1, "INBOX", "uidvalidity_change")
	require.NoError(t, err)

	body, err := Envelope(99, models.TriggerFolderUpdated, "app-1", 1700000000, object)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	assert.EqualValues(t, 99, got["id"])
	assert.Equal(t, "folder.updated", got["type"])
	assert.Equal(t, "app-1", got["application_id"])

	obj, ok := got["object"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "uidvalidity_change", obj["reason"])
}

func TestAccountObjectOmitsEmptyReason(t *testing.T) {
	body, err := AccountObject(1, "grant-1", "")
	require.NoError(t, err)
	assert.NotContains(t, string(body), "reason")
}
