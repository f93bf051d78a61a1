package report

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"atlasseg/pkg/calibration"
	"atlasseg/pkg/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS comparisons (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id              TEXT NOT NULL,
	case_id             TEXT NOT NULL,
	structure           TEXT NOT NULL,
	dsc                 REAL,
	masd                REAL,
	hd                  REAL,
	volume_overlap_cm3  REAL,
	created_at          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS calibrations (
	run_id       TEXT PRIMARY KEY,
	structure    TEXT NOT NULL,
	p_optimal    REAL NOT NULL,
	reference    REAL NOT NULL,
	metric_type  TEXT NOT NULL,
	best_delta   REAL,
	best_metric  REAL,
	objective    REAL,
	rounds       INTEGER NOT NULL,
	converged    INTEGER NOT NULL,
	created_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS calibration_trials (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT NOT NULL,
	round      INTEGER NOT NULL,
	delta      REAL NOT NULL,
	metric     REAL,
	objective  REAL,
	FOREIGN KEY (run_id) REFERENCES calibrations(run_id)
);
`

// Store records comparison and calibration runs in SQLite
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens a SQLite database and runs migrations
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// SQLite stores NaN as NULL
func nullable(v float64) sql.NullFloat64 {
	if math.IsNaN(v) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func orNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

// RecordComparisons stores the comparison table of one case under a new run
// id, which is returned
func (s *Store) RecordComparisons(caseID string, rows []metrics.Comparison) (string, error) {
	runID := uuid.NewString()
	now := s.now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, r := range rows {
		_, err := tx.Exec(
			`INSERT INTO comparisons (run_id, case_id, structure, dsc, masd, hd, volume_overlap_cm3, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, caseID, r.Structure, nullable(r.DSC), nullable(r.MeanSurfaceDistance),
			nullable(r.HausdorffDistance), nullable(r.Volume.VolumeOverlap), now,
		)
		if err != nil {
			return "", fmt.Errorf("insert comparison %s: %w", r.Structure, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return runID, nil
}

// ComparisonRecord is one stored comparison row
type ComparisonRecord struct {
	RunID               string
	CaseID              string
	Structure           string
	DSC                 float64
	MeanSurfaceDistance float64
	HausdorffDistance   float64
	VolumeOverlap       float64
	CreatedAt           time.Time
}

// Comparisons returns every stored row of a case in insertion order
func (s *Store) Comparisons(caseID string) ([]ComparisonRecord, error) {
	rows, err := s.db.Query(
		`SELECT run_id, case_id, structure, dsc, masd, hd, volume_overlap_cm3, created_at
		 FROM comparisons WHERE case_id = ? ORDER BY id`, caseID)
	if err != nil {
		return nil, fmt.Errorf("query comparisons: %w", err)
	}
	defer rows.Close()

	var out []ComparisonRecord
	for rows.Next() {
		var (
			rec                ComparisonRecord
			dsc, masd, hd, vol sql.NullFloat64
			created            string
		)
		if err := rows.Scan(&rec.RunID, &rec.CaseID, &rec.Structure, &dsc, &masd, &hd, &vol, &created); err != nil {
			return nil, fmt.Errorf("scan comparison: %w", err)
		}
		rec.DSC, rec.MeanSurfaceDistance, rec.HausdorffDistance, rec.VolumeOverlap = orNaN(dsc), orNaN(masd), orNaN(hd), orNaN(vol)
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CalibrationRecord is one stored calibration run
type CalibrationRecord struct {
	RunID      string
	Structure  string
	POptimal   float64
	Reference  float64
	MetricType calibration.MetricType
	Best       calibration.Trial
	Rounds     int
	Converged  bool
	Trials     int
	CreatedAt  time.Time
}

// RecordCalibration stores a calibration result and all its trials under a
// new run id, which is returned
func (s *Store) RecordCalibration(structure string, pOptimal, reference float64, metricType calibration.MetricType, res calibration.Result) (string, error) {
	runID := uuid.NewString()
	now := s.now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO calibrations (run_id, structure, p_optimal, reference, metric_type, best_delta, best_metric, objective, rounds, converged, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, structure, pOptimal, reference, string(metricType),
		nullable(res.Best.Delta), nullable(res.Best.Metric), nullable(res.Best.Objective),
		len(res.Rounds), res.Converged, now,
	)
	if err != nil {
		return "", fmt.Errorf("insert calibration: %w", err)
	}

	for _, round := range res.Rounds {
		for _, trial := range round.Trials {
			_, err := tx.Exec(
				`INSERT INTO calibration_trials (run_id, round, delta, metric, objective) VALUES (?, ?, ?, ?, ?)`,
				runID, round.Index, trial.Delta, nullable(trial.Metric), nullable(trial.Objective),
			)
			if err != nil {
				return "", fmt.Errorf("insert trial: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return runID, nil
}

// Calibrations returns the stored calibration runs of a structure, oldest first
func (s *Store) Calibrations(structure string) ([]CalibrationRecord, error) {
	rows, err := s.db.Query(
		`SELECT c.run_id, c.structure, c.p_optimal, c.reference, c.metric_type, c.best_delta, c.best_metric,
		        c.objective, c.rounds, c.converged, c.created_at,
		        (SELECT COUNT(*) FROM calibration_trials t WHERE t.run_id = c.run_id)
		 FROM calibrations c WHERE c.structure = ? ORDER BY c.created_at, c.rowid`, structure)
	if err != nil {
		return nil, fmt.Errorf("query calibrations: %w", err)
	}
	defer rows.Close()

	var out []CalibrationRecord
	for rows.Next() {
		var (
			rec                      CalibrationRecord
			metricType, created      string
			delta, metric, objective sql.NullFloat64
		)
		err := rows.Scan(&rec.RunID, &rec.Structure, &rec.POptimal, &rec.Reference, &metricType,
			&delta, &metric, &objective, &rec.Rounds, &rec.Converged, &created, &rec.Trials)
		if err != nil {
			return nil, fmt.Errorf("scan calibration: %w", err)
		}
		rec.MetricType = calibration.MetricType(metricType)
		rec.Best = calibration.Trial{Delta: orNaN(delta), Metric: orNaN(metric), Objective: orNaN(objective)}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, rec)
	}
	return out, rows.Err()
}
