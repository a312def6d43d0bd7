package domain

import (
	"strconv"
	"strings"
)

type ProjectID int64

type Project struct {
	ID      ProjectID `db:"id"`
	Name    string    `db:"name"`
	OwnerID UserID    `db:"created_by_id"`
}

// ParseProjectID разбирает идентификатор из пути или query.
func ParseProjectID(s string) (ProjectID, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return ProjectID(id), true
}

func (id ProjectID) String() string {
	return strconv.FormatInt(int64(id), 10)
}
