package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hostbot/internal/deploy"
	"hostbot/internal/scan"
	"hostbot/internal/storage"
)

var (
	// ErrDiscovery is returned before anything is sent.
	ErrDiscovery    = errors.New("discovery failure")
	ErrNoCredential = fmt.Errorf("%w: no credential", ErrDiscovery)
	ErrNoRecipients = fmt.Errorf("%w: no recipients", ErrDiscovery)

	ErrEmptyText = errors.New("broadcast text is required")
)

// Message is one outbound notification. ImageURL switches the request to a
// photo with Text as caption. The button is attached only when both label
// and URL are set.
type Message struct {
	Text        string
	ImageURL    string
	ButtonLabel string
	ButtonURL   string
	ParseMode   string
}

func (m Message) HasButton() bool { return m.ButtonLabel != "" && m.ButtonURL != "" }

// Job is a message plus the scope label recorded in history.
type Job struct {
	Message
	Scope string
}

// Target is one deployment in scope, in scope order.
type Target struct {
	Key  deploy.Key
	Root string
}

type Result struct {
	ID              string        `json:"id"`
	TotalRecipients int           `json:"total_recipients"`
	Success         int           `json:"success"`
	Failed          int           `json:"failed"`
	Batches         int           `json:"batches"`
	TokenFrom       deploy.Key    `json:"token_from"`
	// Tokens is the number of distinct tokens seen in scope; only the first is used.
	Tokens          int           `json:"tokens"`
	At              time.Time     `json:"at"`
	Took            time.Duration `json:"took"`
}

// Sender delivers one message to one chat with the given bot token.
type Sender interface {
	Send(ctx context.Context, token, chatID string, msg Message) error
}

// Scanner extracts credentials from a deployment tree. scan.Scanner
// implements it.
type Scanner interface {
	Scan(root string) scan.Credentials
}

// History records finished broadcasts. storage.Store implements it.
type History interface {
	AppendBroadcast(ctx context.Context, r storage.BroadcastRecord) error
}

// EventFinished is published with the Result once a broadcast completes.
const EventFinished = "broadcast.finished"
