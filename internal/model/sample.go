package model

import "time"

// Sample is one recorded publication.
type Sample struct {
	KeyExpr   string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	Payload   []byte    `json:"payload"`
}
