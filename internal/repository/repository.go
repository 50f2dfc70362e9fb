package repository

import "database/sql"

// New builds the full Repositories bundle over a single database handle.
func New(db *sql.DB) *Repositories {
	return &Repositories{
		Job:      NewJobRepository(db),
		JobEvent: NewJobEventRepository(db),
		Report:   NewReportRepository(db),
		Cache:    NewCacheRepository(db),
	}
}
