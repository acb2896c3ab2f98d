package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/depthkit/internal/calibration"
)

// LookupCalibration returns the stored calibration for a sensor on a host
// model, or (nil, nil) when there is none. It implements
// calibration.Repository.
func (db *DB) LookupCalibration(ctx context.Context, sensorSerial, hostModel string) (*calibration.Record, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, sensor_serial, host_model, extrinsics_json, source, created_unix_nanos
		FROM calibrations
		WHERE sensor_serial = ? AND host_model = ?`, sensorSerial, hostModel)
	rec, err := scanCalibration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// SaveCalibration stores rec, replacing any record for the same sensor and
// host model. Empty IDs and zero timestamps are filled in.
func (db *DB) SaveCalibration(ctx context.Context, rec *calibration.Record) error {
	return saveCalibration(ctx, db, rec)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func saveCalibration(ctx context.Context, ex execer, rec *calibration.Record) error {
	if rec.SensorSerial == "" {
		return fmt.Errorf("calibration record needs a sensor serial")
	}
	if err := rec.Extrinsics.Validate(); err != nil {
		return fmt.Errorf("calibration for %s: %w", rec.SensorSerial, err)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	ext, err := json.Marshal(rec.Extrinsics)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO calibrations (id, sensor_serial, host_model, extrinsics_json, source, created_unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (sensor_serial, host_model) DO UPDATE SET
			id = excluded.id,
			extrinsics_json = excluded.extrinsics_json,
			source = excluded.source,
			created_unix_nanos = excluded.created_unix_nanos`,
		rec.ID, rec.SensorSerial, rec.HostModel, string(ext), rec.Source, rec.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save calibration for %s: %w", rec.SensorSerial, err)
	}
	return nil
}

// ListCalibrations returns every stored calibration, newest first.
func (db *DB) ListCalibrations(ctx context.Context) ([]calibration.Record, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, sensor_serial, host_model, extrinsics_json, source, created_unix_nanos
		FROM calibrations
		ORDER BY created_unix_nanos DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calibration.Record
	for rows.Next() {
		rec, err := scanCalibration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// DeleteCalibration removes the record for a sensor and host model. It
// reports whether a record existed.
func (db *DB) DeleteCalibration(ctx context.Context, sensorSerial, hostModel string) (bool, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM calibrations WHERE sensor_serial = ? AND host_model = ?`,
		sensorSerial, hostModel)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ImportCalibrations reads a JSON array of records (or a single record) and
// saves them in one transaction. Nothing is saved if any record is invalid.
func (db *DB) ImportCalibrations(ctx context.Context, r io.Reader, source string) (int, error) {
	data, err := io.ReadAll(io.LimitReader(r, 1<<20))
	if err != nil {
		return 0, err
	}
	var recs []calibration.Record
	if err := json.Unmarshal(data, &recs); err != nil {
		var one calibration.Record
		if err1 := json.Unmarshal(data, &one); err1 != nil {
			return 0, fmt.Errorf("parse calibration file: %w", err)
		}
		recs = []calibration.Record{one}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	for i := range recs {
		rec := &recs[i]
		if rec.Source == "" {
			rec.Source = source
		}
		if err := saveCalibration(ctx, tx, rec); err != nil {
			return 0, fmt.Errorf("record %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(recs), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCalibration(row rowScanner) (*calibration.Record, error) {
	var (
		rec     calibration.Record
		extJSON string
		created int64
	)
	if err := row.Scan(&rec.ID, &rec.SensorSerial, &rec.HostModel, &extJSON, &rec.Source, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(extJSON), &rec.Extrinsics); err != nil {
		return nil, fmt.Errorf("calibration %s: corrupt extrinsics: %w", rec.ID, err)
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	return &rec, nil
}
