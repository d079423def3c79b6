package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/media-pipeline/internal/domain"
	"github.com/cuongbtq/media-pipeline/internal/ledger"
)

// DecodeFailureCursor parses a cursor returned by EncodeFailureCursor.
// An empty string means the first page.
func DecodeFailureCursor(cursorStr string) (*ledger.Cursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	decodedParts := strings.Split(string(decoded), "|")
	if len(decodedParts) != 2 {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var completedAt int64
	if _, err := fmt.Sscanf(decodedParts[0], "%d", &completedAt); err != nil {
		return nil, fmt.Errorf("invalid completedAt in cursor: %w", err)
	}

	jobKey := domain.JobKey(decodedParts[1])
	if !jobKey.Valid() {
		return nil, fmt.Errorf("invalid job key in cursor")
	}

	return &ledger.Cursor{
		CompletedAt: time.Unix(0, completedAt).UTC(),
		JobKey:      jobKey,
	}, nil
}

func EncodeFailureCursor(entry *ledger.Entry) string {
	cs := fmt.Sprintf("%d|%s", entry.CompletedAt.UnixNano(), entry.JobKey)
	return base64.RawURLEncoding.EncodeToString([]byte(cs))
}
