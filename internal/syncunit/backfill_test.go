package syncunit

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vdavid/syncengine/internal/models"
)

func uintPtr(v uint32) *uint32 { return &v }
func intPtr(v int) *int        { return &v }

func TestBackfillStart(t *testing.T) {
	tests := []struct {
		name    string
		folder  *models.Folder
		horizon *int
		want    uint32
	}{
		{
			name:   "fresh folder, all history",
			folder: &models.Folder{UIDNext: 105},
			want:   1,
		},
		{
			name:    "fresh folder, horizon smaller than mailbox",
			folder:  &models.Folder{UIDNext: 105},
			horizon: intPtr(4),
			want:    101,
		},
		{
			name:    "fresh folder, horizon larger than mailbox",
			folder:  &models.Folder{UIDNext: 3},
			horizon: intPtr(100),
			want:    1,
		},
		{
			name:    "resume overrides horizon",
			folder:  &models.Folder{UIDNext: 105, LastSyncedUID: uintPtr(50)},
			horizon: intPtr(4),
			want:    51,
		},
		{
			name:    "zero horizon means all history",
			folder:  &models.Folder{UIDNext: 105},
			horizon: intPtr(0),
			want:    1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, backfillStart(tt.folder, tt.horizon))
		})
	}
}

func TestSameFlagSet(t *testing.T) {
	assert.True(t, sameFlagSet(nil, nil))
	assert.True(t, sameFlagSet([]string{`\Seen`}, []string{`\Seen`}))
	assert.True(t, sameFlagSet([]string{`\Seen`, `\Flagged`}, []string{`\Flagged`, `\Seen`}))
	assert.True(t, sameFlagSet([]string{`\Seen`}, []string{`\Seen`, `\Recent`}))
	assert.False(t, sameFlagSet([]string{`\Seen`}, []string{`\Seen`, `\Flagged`}))
	assert.False(t, sameFlagSet([]string{`\Seen`}, []string{`\Answered`}))
}
