package user

type User struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Password string `json:"-"`
	IsAdmin  bool   `json:"is_admin"`
}

// Identity is the authenticated view of a user bound to a connection or
// request. It never changes for the lifetime of that connection.
type Identity struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"isAdmin"`
}

func (u *User) Identity() Identity {
	return Identity{ID: u.ID, Username: u.Username, IsAdmin: u.IsAdmin}
}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	ID          int    `json:"id"`
	Username    string `json:"username"`
	IsAdmin     bool   `json:"is_admin"`
}
