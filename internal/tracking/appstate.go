package tracking

import "sync"

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
	RoleAdmin  Role = "admin"
)

type User struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role Role   `json:"role"`
}

// AppState holds the signed-in user and the route they picked. Components
// receive it by pointer instead of reaching for globals.
type AppState struct {
	mu      sync.RWMutex
	user    *User
	routeID string
}

func (a *AppState) SetUser(u *User) {
	a.mu.Lock()
	a.user = u
	a.mu.Unlock()
}

// CurrentUser returns nil when no one is signed in.
func (a *AppState) CurrentUser() *User {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.user
}

func (a *AppState) SelectRoute(id string) {
	a.mu.Lock()
	a.routeID = id
	a.mu.Unlock()
}

func (a *AppState) SelectedRoute() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.routeID
}

// Selection builds a broadcast selection from the state and a shuttle.
func (a *AppState) Selection(shuttleID string) Selection {
	a.mu.RLock()
	defer a.mu.RUnlock()
	sel := Selection{RouteID: a.routeID, ShuttleID: shuttleID}
	if a.user != nil {
		sel.DriverID = a.user.ID
	}
	return sel
}
