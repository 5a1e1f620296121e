package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobStatusPending, JobStatusProcessing, true},
		{JobStatusPending, JobStatusFailed, true},
		{JobStatusPending, JobStatusCompleted, false},
		{JobStatusPending, JobStatusCanceled, false},
		{JobStatusProcessing, JobStatusProcessing, true},
		{JobStatusProcessing, JobStatusCompleted, true},
		{JobStatusProcessing, JobStatusFailed, true},
		{JobStatusProcessing, JobStatusCanceled, true},
		{JobStatusProcessing, JobStatusPending, false},
		{JobStatusCompleted, JobStatusFailed, false},
		{JobStatusFailed, JobStatusProcessing, false},
		{JobStatusCanceled, JobStatusCompleted, false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestStatusTerminalAndValid(t *testing.T) {
	for _, s := range []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCanceled} {
		assert.True(t, s.Terminal(), s)
		assert.True(t, s.Valid(), s)
	}
	for _, s := range []JobStatus{JobStatusPending, JobStatusProcessing} {
		assert.False(t, s.Terminal(), s)
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, JobStatus("QUEUED").Valid())
}

func TestParseTransferMode(t *testing.T) {
	mode, ok := ParseTransferMode("")
	assert.True(t, ok)
	assert.Equal(t, TransferFaceOnly, mode)

	mode, ok = ParseTransferMode("face_clothes_background")
	assert.True(t, ok)
	assert.Equal(t, TransferFaceClothesBackground, mode)

	_, ok = ParseTransferMode("full_body")
	assert.False(t, ok)
}

func TestCloneIsDeep(t *testing.T) {
	now := time.Now()
	orig := &Job{
		ID:          "j",
		InputRefs:   map[InputName]string{InputSeedImage: "a"},
		SubmittedAt: &now,
		FinishedAt:  &now,
	}
	cp := orig.Clone()
	cp.InputRefs[InputSeedImage] = "b"
	*cp.SubmittedAt = now.Add(time.Hour)
	*cp.FinishedAt = now.Add(time.Hour)

	assert.Equal(t, "a", orig.InputRefs[InputSeedImage])
	assert.Equal(t, now, *orig.SubmittedAt)
	assert.Equal(t, now, *orig.FinishedAt)
	assert.Nil(t, (*Job)(nil).Clone())
}
