package nats

import (
	"fmt"
	"time"

	"github.com/brojonat/solsync/service/syncer"
)

// SyncEvent is a sync engine update published to NATS.
// It is published to the subject "solsync.{wallet_address}.{event_type}" in JetStream.
type SyncEvent struct {
	WalletAddress string       `json:"wallet_address"`
	Event         syncer.Event `json:"event"`

	// Metadata
	PublishedAt time.Time `json:"published_at"`
}

// NewSyncEvent wraps an engine event for wallet.
func NewSyncEvent(wallet string, e syncer.Event) *SyncEvent {
	return &SyncEvent{
		WalletAddress: wallet,
		Event:         e,
		PublishedAt:   time.Now().UTC(),
	}
}

// Subject returns the subject the event is published to.
func (e *SyncEvent) Subject() string {
	return Subject(e.WalletAddress, e.Event.Type)
}

// Subject builds "solsync.{wallet}.{eventType}".
func Subject(wallet, eventType string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, wallet, eventType)
}
