package resultdb

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE run(
			id INTEGER PRIMARY KEY,
			uuid TEXT NOT NULL,
			checkpoint TEXT NOT NULL,
			tag TEXT NOT NULL,
			backend TEXT NOT NULL,
			input_path TEXT NOT NULL,
			started_at INT NOT NULL,
			finished_at INT,
			status TEXT NOT NULL,
			num_samples INT NOT NULL DEFAULT 0,
			num_skipped INT NOT NULL DEFAULT 0
		);
		CREATE UNIQUE INDEX idx_run_uuid ON run (uuid);

		CREATE TABLE sample(
			id INTEGER PRIMARY KEY,
			run_id INT NOT NULL,
			frame_id INT NOT NULL,
			input_path TEXT NOT NULL,
			output_path TEXT NOT NULL,
			num_points INT NOT NULL,
			num_detections INT NOT NULL
		);
		CREATE INDEX idx_sample_run_id ON sample (run_id);

		CREATE TABLE detection(
			id INTEGER PRIMARY KEY,
			sample_id INT NOT NULL,
			label INT NOT NULL,
			label_name TEXT NOT NULL,
			score REAL NOT NULL,
			x REAL NOT NULL,
			y REAL NOT NULL,
			z REAL NOT NULL,
			dx REAL NOT NULL,
			dy REAL NOT NULL,
			dz REAL NOT NULL,
			heading REAL NOT NULL
		);
		CREATE INDEX idx_detection_sample_id ON detection (sample_id);
	`))

	return migs
}
