package model

import "time"

// Supervisor proctors exams and grades essays.
type Supervisor struct {
	ID           int       `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// SupervisorLoginRequest is the payload for supervisor authentication.
type SupervisorLoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6,max=128"`
}

// SupervisorLoginResponse is returned after successful supervisor login.
type SupervisorLoginResponse struct {
	Token      string     `json:"token"`
	Supervisor Supervisor `json:"supervisor"`
}
