package postgres

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cwrk-planet/chat-gateway/internal/domain"
)

// Cursor — позиция последнего отданного сообщения (timestamp, id) внутри проекта.
// Курсор одного проекта к другому не подходит.
type Cursor struct {
	ProjectID domain.ProjectID
	CreatedAt time.Time
	ID        int64
}

// EncodeCursor: base64url от "project:unix_nanos:id".
func EncodeCursor(c Cursor) (string, error) {
	if err := c.validate(); err != nil {
		return "", err
	}
	raw := strconv.FormatInt(int64(c.ProjectID), 10) + ":" +
		strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + ":" +
		strconv.FormatInt(c.ID, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw)), nil
}

// DecodeCursor разбирает курсор истории projectID. Пустая строка — с начала (nil, nil).
func DecodeCursor(s string, projectID domain.ProjectID) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: decode base64: %v", domain.ErrInvalidCursor, err)
	}

	parts := strings.Split(string(data), ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: want 3 fields, got %d", domain.ErrInvalidCursor, len(parts))
	}
	var nums [3]int64
	for i, p := range parts {
		if nums[i], err = strconv.ParseInt(p, 10, 64); err != nil {
			return nil, fmt.Errorf("%w: field %d: %v", domain.ErrInvalidCursor, i, err)
		}
	}

	c := Cursor{
		ProjectID: domain.ProjectID(nums[0]),
		CreatedAt: time.Unix(0, nums[1]).UTC(),
		ID:        nums[2],
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	if c.ProjectID != projectID {
		return nil, fmt.Errorf("%w: issued for project %d", domain.ErrInvalidCursor, c.ProjectID)
	}
	return &c, nil
}

func (c Cursor) validate() error {
	switch {
	case c.ProjectID <= 0:
		return fmt.Errorf("%w: project %d", domain.ErrInvalidCursor, c.ProjectID)
	case c.ID <= 0:
		return fmt.Errorf("%w: message id %d", domain.ErrInvalidCursor, c.ID)
	case c.CreatedAt.UnixNano() <= 0:
		return fmt.Errorf("%w: timestamp %s", domain.ErrInvalidCursor, c.CreatedAt)
	}
	return nil
}
