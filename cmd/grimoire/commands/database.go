package commands

import (
	"database/sql"

	"github.com/teranos/grimoire/config"
	"github.com/teranos/grimoire/db"
	"github.com/teranos/grimoire/errors"
	"github.com/teranos/grimoire/logger"
)

// openDatabase opens and migrates the grimoire database. An empty path
// falls back to the configured location.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		path, err := config.GetDatabasePath()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get database path")
		}
		if path == "" {
			dbPath = "grimoire.db"
		} else {
			dbPath = path
		}
	}

	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}

	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", dbPath)
	}

	return database, nil
}
