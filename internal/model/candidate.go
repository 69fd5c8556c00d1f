package model

import "time"

// Candidate is an exam taker account.
type Candidate struct {
	ID           int       `json:"id"`
	Identifier   string    `json:"identifier"`
	Name         string    `json:"name"`
	Cohort       string    `json:"cohort"`
	Group        string    `json:"group"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Info returns the identity snapshot stored on a session.
func (c *Candidate) Info() CandidateInfo {
	return CandidateInfo{
		Name:       c.Name,
		Identifier: c.Identifier,
		Cohort:     c.Cohort,
		Group:      c.Group,
	}
}

// CandidateLoginRequest is the payload for candidate authentication.
type CandidateLoginRequest struct {
	Identifier string `json:"identifier" binding:"required,min=3,max=50"`
	Password   string `json:"password" binding:"required,min=4,max=128"`
}

// CandidateLoginResponse is returned after successful candidate login.
type CandidateLoginResponse struct {
	Token     string    `json:"token"`
	Candidate Candidate `json:"candidate"`
}
