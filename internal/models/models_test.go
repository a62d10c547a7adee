package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNotificationVisible(t *testing.T) {
	now := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	later := now.Add(10 * time.Minute)

	assert.True(t, (&Notification{}).Visible(now))
	assert.False(t, (&Notification{SnoozedUntil: &later}).Visible(now))
	assert.True(t, (&Notification{SnoozedUntil: &later}).Visible(later), "visible again once the snooze ends")
}
