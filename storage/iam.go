package storage

import "time"

// User is a local IAM account, distinct from a connector Identity: Identity
// is the normalized view a connector produces for a login; User is the
// durable record the IAM REST surface (spec.md §6) manages and that
// statements reference by subject id.
type User struct {
	ID        string `json:"id"`
	AccountID string `json:"accountID"`

	Username string `json:"username"`
	Email    string `json:"email"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Deleted   bool      `json:"deleted,omitempty"`
	DeletedAt time.Time `json:"deletedAt,omitempty"`
}

// Group is a named collection of users.
type Group struct {
	ID        string `json:"id"`
	AccountID string `json:"accountID"`
	Name      string `json:"name"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Deleted   bool      `json:"deleted,omitempty"`
	DeletedAt time.Time `json:"deletedAt,omitempty"`
}

// Role is a named bundle of policies, bound to subjects via RoleBinding.
type Role struct {
	ID        string   `json:"id"`
	AccountID string   `json:"accountID"`
	Name      string   `json:"name"`
	PolicyIDs []string `json:"policyIDs"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Deleted   bool      `json:"deleted,omitempty"`
	DeletedAt time.Time `json:"deletedAt,omitempty"`
}

// RoleBinding attaches a Role to a subject (user or group id).
type RoleBinding struct {
	ID        string `json:"id"`
	AccountID string `json:"accountID"`
	RoleID    string `json:"roleID"`
	SubjectID string `json:"subjectID"`

	CreatedAt time.Time `json:"createdAt"`

	Deleted   bool      `json:"deleted,omitempty"`
	DeletedAt time.Time `json:"deletedAt,omitempty"`
}

// PolicyBinding attaches a Policy directly to a subject, bypassing a Role.
type PolicyBinding struct {
	ID        string `json:"id"`
	AccountID string `json:"accountID"`
	PolicyID  string `json:"policyID"`
	SubjectID string `json:"subjectID"`

	CreatedAt time.Time `json:"createdAt"`

	Deleted   bool      `json:"deleted,omitempty"`
	DeletedAt time.Time `json:"deletedAt,omitempty"`
}

// GroupUser attaches a User to a Group.
type GroupUser struct {
	ID        string `json:"id"`
	AccountID string `json:"accountID"`
	GroupID   string `json:"groupID"`
	UserID    string `json:"userID"`

	CreatedAt time.Time `json:"createdAt"`

	Deleted   bool      `json:"deleted,omitempty"`
	DeletedAt time.Time `json:"deletedAt,omitempty"`
}
