package model

import "time"

// NotificationType names an outbound lifecycle or operator notification.
type NotificationType string

const (
	NotificationEscrowCreated      NotificationType = "escrow.created"
	NotificationEscrowApproved     NotificationType = "escrow.approved"
	NotificationEscrowRejected     NotificationType = "escrow.rejected"
	NotificationEscrowInconclusive NotificationType = "escrow.inconclusive"
	NotificationEscrowUnlocked     NotificationType = "escrow.unlocked"
	NotificationEscrowCancelled    NotificationType = "escrow.cancelled"
	NotificationEscrowExpired      NotificationType = "escrow.expired"
	NotificationDecryptionFailed   NotificationType = "alert.decryption_failed"
)

// Notification is published after a lifecycle change is persisted. It never
// carries fulfillment material.
type Notification struct {
	Type       NotificationType
	EscrowID   string
	Status     EscrowStatus
	TxRef      string
	Reason     string
	OccurredAt time.Time
}

// IsAlert reports whether the notification requires operator attention.
func (n Notification) IsAlert() bool {
	return n.Type == NotificationDecryptionFailed
}
