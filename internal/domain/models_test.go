package domain

import (
	"testing"
)

func TestTableNames(t *testing.T) {
	if (Message{}).TableName() != "messages" {
		t.Fatalf("Message table name")
	}
	if (JobRecord{}).TableName() != "jobs" {
		t.Fatalf("JobRecord table name")
	}
	if (DedupClaim{}).TableName() != "dedup_claims" {
		t.Fatalf("DedupClaim table name")
	}
}

func TestMessage_KeysAreDeterministic(t *testing.T) {
	m := Message{Channel: ChannelWhatsApp, ChannelMessageID: "wamid.ABC"}
	if got := m.DedupKey(); got != "whatsapp:wamid.ABC" {
		t.Fatalf("DedupKey = %q", got)
	}
	if got := m.JobID(); got != "whatsapp-wamid.ABC" {
		t.Fatalf("JobID = %q", got)
	}
	if JobIDFor(ChannelFacebookDM, "m_1") != "facebook_dm-m_1" {
		t.Fatalf("JobIDFor mismatch")
	}
}

func TestChannelAndStatusValidity(t *testing.T) {
	for _, c := range []Channel{ChannelWhatsApp, ChannelInstagram, ChannelFacebookDM} {
		if !c.Valid() {
			t.Fatalf("%q should be valid", c)
		}
	}
	if Channel("telegram").Valid() {
		t.Fatalf("telegram should not be valid")
	}

	if StatusPending.Terminal() || StatusProcessing.Terminal() {
		t.Fatalf("pending/processing are not terminal")
	}
	if !StatusCompleted.Terminal() || !StatusFailed.Terminal() {
		t.Fatalf("completed/failed are terminal")
	}
	if MessageStatus("done").Valid() {
		t.Fatalf("unknown status should be invalid")
	}
}
