package correction

import "testing"

func TestDetectInsertsRecordWithDetectedStatus(t *testing.T) {
	m := NewManager()
	rec := m.Detect("c1", "I goed", "I went", "grammar")
	if rec.Status != StatusDetected {
		t.Fatalf("Status = %v, want StatusDetected", rec.Status)
	}
	if rec.CreatedAt.IsZero() {
		t.Fatal("CreatedAt was not set")
	}
}

func TestFullLifecycleToVerified(t *testing.T) {
	m := NewManager()
	m.Detect("c1", "I goed", "I went", "grammar")

	if _, err := m.MarkVerifying("c1"); err != nil {
		t.Fatalf("MarkVerifying: %v", err)
	}
	rec, err := m.MarkVerified("c1", VerifiedOutcome{Rule: "past tense", Category: "grammar", Confidence: 0.9, Model: "gpt"})
	if err != nil {
		t.Fatalf("MarkVerified: %v", err)
	}
	if rec.Status != StatusVerified {
		t.Fatalf("Status = %v, want StatusVerified", rec.Status)
	}
	if rec.VerifiedAt == nil {
		t.Fatal("VerifiedAt was not set")
	}
	if rec.Rule != "past tense" || rec.Confidence != 0.9 {
		t.Fatalf("rec = %+v, want the verified payload applied", rec)
	}
}

func TestLifecycleToFailed(t *testing.T) {
	m := NewManager()
	m.Detect("c2", "I goed", "I went", "grammar")
	m.MarkVerifying("c2")

	rec, err := m.MarkFailed("c2", "upstream timed out")
	if err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if rec.Status != StatusFailed {
		t.Fatalf("Status = %v, want StatusFailed", rec.Status)
	}
	if rec.Error != "upstream timed out" {
		t.Fatalf("Error = %q, want %q", rec.Error, "upstream timed out")
	}
}

func TestTransitionOnUnknownIDReturnsError(t *testing.T) {
	m := NewManager()
	if _, err := m.MarkVerifying("missing"); err != ErrUnknownID {
		t.Fatalf("err = %v, want ErrUnknownID", err)
	}
}

func TestRecordFeedbackDoesNotChangeStatusOrRerunVerification(t *testing.T) {
	m := NewManager()
	m.Detect("c3", "I goed", "I went", "grammar")
	m.MarkVerifying("c3")
	m.MarkVerified("c3", VerifiedOutcome{Rule: "past tense"})

	rec, err := m.RecordFeedback("c3", "agree")
	if err != nil {
		t.Fatalf("RecordFeedback: %v", err)
	}
	if rec.UserFeedback != "agree" {
		t.Fatalf("UserFeedback = %q, want agree", rec.UserFeedback)
	}
	if rec.Status != StatusVerified {
		t.Fatalf("Status = %v, want unchanged StatusVerified", rec.Status)
	}
}

func TestRecordFeedbackRejectsUnknownValue(t *testing.T) {
	m := NewManager()
	m.Detect("c4", "I goed", "I went", "grammar")
	if _, err := m.RecordFeedback("c4", "maybe"); err == nil {
		t.Fatal("expected an error for an invalid feedback value")
	}
}

func TestCloneIsolatesCallerFromInternalState(t *testing.T) {
	m := NewManager()
	m.Detect("c5", "I goed", "I went", "grammar")
	m.MarkVerifying("c5")
	rec, _ := m.MarkVerified("c5", VerifiedOutcome{})

	rec.Rule = "mutated by caller"
	stored, _ := m.Get("c5")
	if stored.Rule == "mutated by caller" {
		t.Fatal("mutating the returned Record leaked into the store")
	}
}
