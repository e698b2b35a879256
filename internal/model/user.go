package model

import "time"

type User struct {
	ID           int64
	Email        string
	PasswordHash string
	Role         string // client / freelancer / admin
	ChainAddress string
	CreatedAt    time.Time
}
