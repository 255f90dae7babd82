package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"consentledger/internal/identity"
	"consentledger/internal/ledger/models"
)

func TestShouldWrite(t *testing.T) {
	consenting := &models.Version{Consents: []string{"email_marketing"}}
	optedOut := &models.Version{Consents: []string{}}
	phoneOnly := &models.Version{Consents: []string{"phone_marketing"}}

	tests := []struct {
		name     string
		current  *models.Version
		granted  bool
		standard bool
		optOut   bool
	}{
		{"unknown identity, opt-in", nil, true, true, false},
		{"unknown identity, opt-out", nil, false, true, true},
		{"consenting, opt-in", consenting, true, false, false},
		{"consenting, opt-out", consenting, false, true, true},
		{"opted out, opt-in", optedOut, true, true, false},
		{"opted out, opt-out", optedOut, false, false, false},
		{"other category only, opt-in", phoneOnly, true, true, false},
		{"other category only, opt-out", phoneOnly, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fact := Fact{Category: "email_marketing", Granted: tt.granted}
			assert.Equal(t, tt.standard, StandardPolicy{}.ShouldWrite(tt.current, fact), "standard policy")
			assert.Equal(t, tt.optOut, OptOutPolicy{}.ShouldWrite(tt.current, fact), "opt-out policy")
		})
	}
}

func TestWriteRequest(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	occurred := now.Add(-time.Hour)
	current := &models.Version{Consents: []string{"phone_marketing", "email_marketing"}}

	t.Run("opt-out keeps other categories", func(t *testing.T) {
		req := writeRequest("dynamics", current, Fact{
			Contact:    identity.Contact{Email: "foo@bar.com"},
			Category:   "email_marketing",
			Granted:    false,
			OccurredAt: &occurred,
			RecordID:   "contact-1",
			Extra:      map[string]any{"url": "https://org.crm.example.com"},
		}, now)

		assert.Equal(t, []string{"phone_marketing"}, req.Grant)
		assert.Equal(t, []string{"email_marketing"}, req.Revoke)
		assert.Equal(t, &occurred, req.LogicalTime)
		assert.Equal(t, "dynamics", req.Commit.Source)
		assert.Equal(t, now, req.Commit.CreatedAt)
		assert.Equal(t, "contact-1", req.Commit.Extra["record_id"])
		assert.Equal(t, "https://org.crm.example.com", req.Commit.Extra["url"])
		assert.Equal(t, occurred.Format(time.RFC3339Nano), req.Commit.Extra["source_timestamp"])
	})

	t.Run("opt-in for unknown identity", func(t *testing.T) {
		req := writeRequest("forms", nil, Fact{
			Contact:  identity.Contact{Email: "new@bar.com"},
			Category: "email_marketing",
			Granted:  true,
		}, now)
		assert.Equal(t, []string{"email_marketing"}, req.Grant)
		assert.Empty(t, req.Revoke)
		assert.Nil(t, req.LogicalTime)
		assert.NotContains(t, req.Commit.Extra, "source_timestamp")
	})
}
