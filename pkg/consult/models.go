package consult

import "time"

// Target identifies the subject being recorded about (a patient). One
// consultation machine exists per target; switching targets pauses the
// outgoing one.
type Target struct {
	ID   string
	Name string
}

// SessionRecord is a closed recording session retained for transcript
// assembly. Its capability token died when the session completed and is not
// kept here.
type SessionRecord struct {
	ID        string
	CreatedAt time.Time
	Chunks    int
	// Gaps lists chunk numbers whose upload exhausted its retries.
	Gaps []int
}

// Summary describes the machine's externally visible status.
type Summary struct {
	TargetID       string
	ConsultationID string
	State          State
	Sessions       []SessionRecord
	ActiveSession  string
}
