package models

// Role grants access to groups of API routes.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleReader Role = "reader"
)

// Client is an API client allowed to request bearer tokens.
type Client struct {
	ID         string `json:"id"`
	SecretHash string `json:"-"`
	Role       Role   `json:"role"`
}

// CanWrite reports whether the client may change state.
func (c *Client) CanWrite() bool {
	return c.Role == RoleAdmin
}
