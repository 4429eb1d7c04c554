package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/harvester/internal/api/storage"
)

func DecodeItemCursor(cursorStr string) (*storage.ItemCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	createdAt, itemID, ok := strings.Cut(string(decoded), "|")
	if !ok || itemID == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var nanos int64
	if _, err := fmt.Sscanf(createdAt, "%d", &nanos); err != nil {
		return nil, fmt.Errorf("invalid createdAt in cursor: %w", err)
	}

	return &storage.ItemCursor{
		CreatedAt: time.Unix(0, nanos).UTC(),
		ItemID:    itemID,
	}, nil
}

func EncodeItemCursor(cursor *storage.ItemCursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.CreatedAt.UnixNano(), cursor.ItemID)
	return base64.URLEncoding.EncodeToString([]byte(cs))
}
