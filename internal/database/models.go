package database

import "time"

type Message struct {
	Id         string
	DocumentId string
	SenderId   string
	Content    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type CreateMessageParams struct {
	DocumentId string
	SenderId   string
	Content    string
}

type DocumentState struct {
	DocumentId string
	State      []byte
	UpdatedAt  time.Time
}
