package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewJobKey(t *testing.T) {
	a := NewJobKey("uploads", "photos/test-image.jpg", "v1")
	b := NewJobKey("uploads", "photos/test-image.jpg", "v1")
	assert.Equal(t, a, b)
	assert.True(t, a.Valid())
	assert.Len(t, a.String(), 64)

	assert.NotEqual(t, a, NewJobKey("uploads", "photos/test-image.jpg", "v2"))
	assert.NotEqual(t, a, NewJobKey("uploads", "photos/test-image.jpg", ""))
	assert.NotEqual(t, a, NewJobKey("archive", "photos/test-image.jpg", "v1"))

	// Length prefixing keeps shifted field boundaries apart.
	assert.NotEqual(t, NewJobKey("ab", "c", ""), NewJobKey("a", "bc", ""))
}

func TestJobKey_Valid(t *testing.T) {
	assert.False(t, JobKey("").Valid())
	assert.False(t, JobKey("not-hex").Valid())
	assert.False(t, JobKey(fmt.Sprintf("%064s", "zz")).Valid())
}

func TestDerivedKey(t *testing.T) {
	tests := []struct {
		name        string
		sourceKey   string
		fallbackExt string
		width       int
		height      int
		expected    string
	}{
		{
			name:      "jpeg at bucket root",
			sourceKey: "test-image.jpg",
			width:     800,
			height:    600,
			expected:  "resized/test-image_800x600.jpg",
		},
		{
			name:      "nested key keeps basename only",
			sourceKey: "uploads/2026/cat.png",
			width:     320,
			height:    200,
			expected:  "resized/cat_320x200.png",
		},
		{
			name:        "missing extension uses fallback",
			sourceKey:   "raw/scan",
			fallbackExt: "jpg",
			width:       10,
			height:      20,
			expected:    "resized/scan_10x20.jpg",
		},
		{
			name:      "multiple dots keep last extension",
			sourceKey: "a.b.c.gif",
			width:     1,
			height:    1,
			expected:  "resized/a.b.c_1x1.gif",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DerivedKey(DefaultDerivedPrefix, tt.sourceKey, tt.fallbackExt, tt.width, tt.height)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestIsDerivedKey(t *testing.T) {
	assert.True(t, IsDerivedKey(DefaultDerivedPrefix, "resized/cat_1x1.png"))
	assert.False(t, IsDerivedKey(DefaultDerivedPrefix, "uploads/resized/cat.png"))
	assert.False(t, IsDerivedKey("", "resized/cat.png"))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorKind
	}{
		{"retryable wrapper", NewRetryableError(errors.New("boom")), KindTransient},
		{"transient store", Transient(ErrStoreUnavailable, errors.New("dial tcp")), KindTransient},
		{"wrapped retryable", fmt.Errorf("put: %w", Transient(ErrStoreUnavailable, errors.New("503"))), KindTransient},
		{"deadline exceeded", fmt.Errorf("fetch: %w", context.DeadlineExceeded), KindTransient},
		{"canceled is permanent", context.Canceled, KindPermanent},
		{"unsupported", ErrUnsupportedContentType, KindPermanent},
		{"corrupt", fmt.Errorf("decode: %w", ErrCorruptPayload), KindPermanent},
		{"exhausted", fmt.Errorf("%w: last error", ErrAttemptsExhausted), KindExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.err))
		})
	}
}

func TestTransient_KeepsCause(t *testing.T) {
	err := Transient(ErrLedgerUnavailable, errors.New("connection refused"))
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.True(t, IsRetryable(err))
	assert.Nil(t, NewRetryableError(nil))
}

func TestNewJob(t *testing.T) {
	n := Notification{
		Source:          Source{Collection: "uploads", Key: "test-image.jpg", Version: "3"},
		ContentTypeHint: ContentTypeJPEG,
	}
	job := NewJob(n)
	assert.Equal(t, JobStateReceived, job.State)
	assert.Equal(t, n.Source.JobKey(), job.Key)
	assert.Equal(t, ContentTypeJPEG, job.ContentType)
	assert.Zero(t, job.Attempts)
}
