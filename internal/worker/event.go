package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/cuongbtq/media-pipeline/internal/domain"
)

// ErrMalformedNotification is returned for message bodies that are neither
// an S3 event nor a plain notification.
var ErrMalformedNotification = errors.New("malformed notification")

// notificationMessage is the plain notification body.
type notificationMessage struct {
	Collection  string `json:"collection"`
	Key         string `json:"key"`
	Version     string `json:"version,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// s3Event is the subset of an S3 event notification the pipeline reads.
type s3Event struct {
	Records []struct {
		EventName string `json:"eventName"`
		S3        struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key       string `json:"key"`
				VersionID string `json:"versionId"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// ParseNotifications decodes a message body into object-created
// notifications. S3 events may carry several records; events other than
// ObjectCreated are ignored, so the result may be empty.
func ParseNotifications(body []byte) ([]domain.Notification, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}

	if _, ok := probe["Records"]; ok {
		return parseS3Event(body)
	}
	if _, ok := probe["Event"]; ok {
		// s3:TestEvent sent when a bucket notification is configured.
		return nil, nil
	}

	var msg notificationMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}
	n := domain.Notification{
		Source: domain.Source{
			Collection: msg.Collection,
			Key:        msg.Key,
			Version:    msg.Version,
		},
		ContentTypeHint: msg.ContentType,
	}
	if err := ValidateNotification(n); err != nil {
		return nil, err
	}
	return []domain.Notification{n}, nil
}

func parseS3Event(body []byte) ([]domain.Notification, error) {
	var event s3Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}

	notifications := make([]domain.Notification, 0, len(event.Records))
	for i, record := range event.Records {
		if record.EventName != "" && !strings.HasPrefix(record.EventName, "ObjectCreated") {
			continue
		}

		// Object keys arrive form-encoded: spaces as '+', the rest percent-escaped.
		key, err := url.QueryUnescape(record.S3.Object.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d key %q: %v", ErrMalformedNotification, i, record.S3.Object.Key, err)
		}

		n := domain.Notification{
			Source: domain.Source{
				Collection: record.S3.Bucket.Name,
				Key:        key,
				Version:    record.S3.Object.VersionID,
			},
		}
		if err := ValidateNotification(n); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		notifications = append(notifications, n)
	}
	return notifications, nil
}

// ValidateNotification checks the fields every notification needs.
func ValidateNotification(n domain.Notification) error {
	if strings.TrimSpace(n.Source.Collection) == "" {
		return fmt.Errorf("%w: collection is required", ErrMalformedNotification)
	}
	if strings.TrimSpace(n.Source.Key) == "" {
		return fmt.Errorf("%w: key is required", ErrMalformedNotification)
	}
	return nil
}

// EncodeNotification renders n in the plain notification format accepted
// by ParseNotifications.
func EncodeNotification(n domain.Notification) ([]byte, error) {
	return json.Marshal(notificationMessage{
		Collection:  n.Source.Collection,
		Key:         n.Source.Key,
		Version:     n.Source.Version,
		ContentType: n.ContentTypeHint,
	})
}
