package domains

import "time"

// RelayAssignment maps one relay credential to the machine queue it serves
type RelayAssignment struct {
	ID         int64      `db:"id"`
	RelayID    string     `db:"relay_id"`
	MachineID  string     `db:"machine_id"`
	Enabled    bool       `db:"enabled"`
	CreatedAt  time.Time  `db:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"`
	LastSeenAt *time.Time `db:"last_seen_at"`
}
