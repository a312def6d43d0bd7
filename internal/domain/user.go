package domain

type UserID int64

// User — публичный профиль, который видят участники чата.
type User struct {
	ID             UserID `db:"id"`
	Email          string `db:"email"`
	GithubUsername string `db:"github_username"`
}
