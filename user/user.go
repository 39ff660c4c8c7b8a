package user

import "time"

// User is the subset of the account record the billing core touches
type User struct {
	ID           string     `json:"id" gorm:"primaryKey"`
	Email        string     `json:"email" gorm:"index"`
	HasUsedTrial bool       `json:"hasUsedTrial"`
	TrialUsedAt  *time.Time `json:"trialUsedAt"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}
