package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/media-pipeline/internal/domain"
)

func TestParseNotifications(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		expected []domain.Source
		hint     string
		wantErr  bool
	}{
		{
			name:     "plain notification",
			body:     `{"collection":"uploads","key":"photos/test-image.jpg","version":"3","content_type":"image/jpeg"}`,
			expected: []domain.Source{{Collection: "uploads", Key: "photos/test-image.jpg", Version: "3"}},
			hint:     "image/jpeg",
		},
		{
			name: "s3 event with escaped key",
			body: `{"Records":[{"eventName":"ObjectCreated:Put","s3":{"bucket":{"name":"uploads"},
				"object":{"key":"holiday+photos/beach%2Bsun.jpg","versionId":"abc"}}}]}`,
			expected: []domain.Source{{Collection: "uploads", Key: "holiday photos/beach+sun.jpg", Version: "abc"}},
		},
		{
			name: "s3 event with several records skips removals",
			body: `{"Records":[
				{"eventName":"ObjectCreated:Put","s3":{"bucket":{"name":"uploads"},"object":{"key":"a.png"}}},
				{"eventName":"ObjectRemoved:Delete","s3":{"bucket":{"name":"uploads"},"object":{"key":"b.png"}}},
				{"eventName":"ObjectCreated:CompleteMultipartUpload","s3":{"bucket":{"name":"uploads"},"object":{"key":"c.png"}}}]}`,
			expected: []domain.Source{
				{Collection: "uploads", Key: "a.png"},
				{Collection: "uploads", Key: "c.png"},
			},
		},
		{
			name:     "s3 test event",
			body:     `{"Service":"Amazon S3","Event":"s3:TestEvent","Bucket":"uploads"}`,
			expected: nil,
		},
		{
			name:    "not json",
			body:    `job_id=42`,
			wantErr: true,
		},
		{
			name:    "missing key",
			body:    `{"collection":"uploads"}`,
			wantErr: true,
		},
		{
			name:    "s3 record without bucket",
			body:    `{"Records":[{"eventName":"ObjectCreated:Put","s3":{"object":{"key":"a.png"}}}]}`,
			wantErr: true,
		},
		{
			name:    "bad escape in s3 key",
			body:    `{"Records":[{"s3":{"bucket":{"name":"uploads"},"object":{"key":"bad%zzkey"}}}]}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNotifications([]byte(tt.body))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedNotification)
				return
			}
			require.NoError(t, err)

			var sources []domain.Source
			for _, n := range got {
				sources = append(sources, n.Source)
				assert.Equal(t, tt.hint, n.ContentTypeHint)
			}
			assert.Equal(t, tt.expected, sources)
		})
	}
}

func TestEncodeNotification_RoundTrip(t *testing.T) {
	n := domain.Notification{
		Source:          domain.Source{Collection: "uploads", Key: "cat.png", Version: "7"},
		ContentTypeHint: domain.ContentTypePNG,
	}
	body, err := EncodeNotification(n)
	require.NoError(t, err)

	parsed, err := ParseNotifications(body)
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	assert.Equal(t, n.Source, parsed[0].Source)
	assert.Equal(t, n.ContentTypeHint, parsed[0].ContentTypeHint)
}
