package models

import "time"

// QuarantineStatus is the lifecycle state of a quarantine.
type QuarantineStatus string

const (
	QuarantineActive   QuarantineStatus = "active"
	QuarantineReleased QuarantineStatus = "released"
	QuarantineFailed   QuarantineStatus = "failed"
)

// QuarantineRecord tracks one service isolation.
type QuarantineRecord struct {
	ID                 string           `json:"id"`
	Service            string           `json:"service"`
	Reason             string           `json:"reason"`
	AnomalyID          string           `json:"anomalyId"`
	QuarantinedAt      time.Time        `json:"quarantinedAt"`
	ReleasedAt         *time.Time       `json:"releasedAt,omitempty"`
	Status             QuarantineStatus `json:"status"`
	VerificationPeriod time.Duration    `json:"verificationPeriod"`
}

// DueForRelease reports whether the verification period has elapsed at now.
func (q QuarantineRecord) DueForRelease(now time.Time) bool {
	return q.Status == QuarantineActive && now.Sub(q.QuarantinedAt) >= q.VerificationPeriod
}
