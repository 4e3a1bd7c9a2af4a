// Package models holds the persisted record types shared by the
// repository layer and its consumers.
package models

import (
	"database/sql"
	"time"
)

// Extension is a provisioned PBX extension. SIPPassword is stored in
// the clear because digest authentication needs the original secret;
// VoicemailPIN is an argon2id hash.
type Extension struct {
	ID           int64
	Extension    string
	Name         string
	SIPPassword  string
	VoicemailPIN string
	GreetingFile string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// VoicemailMessage is one stored voicemail recording.
type VoicemailMessage struct {
	ID         int64
	Extension  string
	CallerID   string
	FilePath   string
	Duration   int // seconds
	Listened   bool
	ListenedAt sql.NullTime
	ReceivedAt time.Time
	CreatedAt  time.Time
}

// CDR is a call detail record.
type CDR struct {
	ID          int64
	CallID      string
	FromExt     string
	ToExt       string
	StartTime   time.Time
	AnswerTime  sql.NullTime
	EndTime     sql.NullTime
	Duration    int // seconds
	Disposition string
}
