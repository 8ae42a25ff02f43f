package gorm

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func migrations() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		// Migration 001: collected sessions
		{
			ID: "001_collected_sessions",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&SessionRecord{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("collected_sessions")
			},
		},

		// Migration 002: collected events, unique per (session_id, seq)
		{
			ID: "002_collected_events",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&EventRecord{}); err != nil {
					return err
				}
				return tx.Exec(`ALTER TABLE collected_events
					ADD CONSTRAINT fk_collected_events_session
					FOREIGN KEY (session_id) REFERENCES collected_sessions(session_id) ON DELETE CASCADE`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("collected_events")
			},
		},

		// Migration 003: solved sessions per problem
		{
			ID: "003_sessions_solved_index",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_sessions_problem_solved
					ON collected_sessions (problem_id, ((summary->>'solved')::boolean))`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec(`DROP INDEX IF EXISTS idx_sessions_problem_solved`).Error
			},
		},
	}
}

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	return gormigrate.New(db, gormigrate.DefaultOptions, migrations()).Migrate()
}
