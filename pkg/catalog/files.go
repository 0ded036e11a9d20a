package catalog

import (
	"database/sql"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/nearline/nlds/pkg/metrics"
	"github.com/nearline/nlds/pkg/types"
)

// FileQuery selects files across holdings. The regex fields are full-match
// patterns; One keeps at most one file per original path, preferring the
// most recent ingest.
type FileQuery struct {
	User          string
	Group         string
	GroupAll      bool
	Label         string
	HoldingID     int64
	TransactionID string
	Tag           map[string]string
	Path          string // original_path regex
	One           bool
}

const fileColumns = `f.id, f.transaction_id, f.original_path, f.path_type,
	f.link_path, f.size, f.owner_user, f.owner_group, f.file_permissions`

func scanFile(rows *sql.Rows) (*File, error) {
	var f File
	err := rows.Scan(&f.ID, &f.TransactionID, &f.OriginalPath, &f.PathType,
		&f.LinkPath, &f.Size, &f.User, &f.Group, &f.Permissions)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// CreateFile records one filesystem object inside a transaction. Duplicate
// original paths within the same holding are rejected with a conflict.
func (s *Session) CreateFile(t *Transaction, pd *types.PathDetails) (*File, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DBOpDuration.WithLabelValues("catalog", "create_file"))

	var clash int
	err := s.queryRow(
		`SELECT COUNT(*) FROM files f
		 JOIN transactions t ON f.transaction_id = t.id
		 WHERE t.holding_id = ? AND f.original_path = ?`,
		t.HoldingID, pd.OriginalPath).Scan(&clash)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	if clash > 0 {
		return nil, types.Errorf(types.ErrConflict,
			"file %s already exists in holding %d", pd.OriginalPath, t.HoldingID)
	}

	res, err := s.exec(
		`INSERT INTO files (transaction_id, original_path, path_type, link_path,
		 size, owner_user, owner_group, file_permissions)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, pd.OriginalPath, string(pd.PathType), pd.LinkPath,
		pd.Size, pd.User, pd.Group, pd.Permissions)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	id, err := s.insertID(res,
		`SELECT id FROM files WHERE transaction_id = ? AND original_path = ?`,
		t.ID, pd.OriginalPath)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	return &File{
		ID:            id,
		TransactionID: t.ID,
		OriginalPath:  pd.OriginalPath,
		PathType:      pd.PathType,
		LinkPath:      pd.LinkPath,
		Size:          pd.Size,
		User:          pd.User,
		Group:         pd.Group,
		Permissions:   pd.Permissions,
	}, nil
}

// GetFiles returns the files matching the query, newest ingest first,
// then by id. With One set, the most recent ingest of each original path
// wins across holdings.
func (s *Session) GetFiles(q FileQuery) ([]*File, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DBOpDuration.WithLabelValues("catalog", "get_files"))

	pathRe, err := compileMatch(q.Path)
	if err != nil {
		return nil, err
	}
	holdings, err := s.GetHoldings(HoldingQuery{
		User: q.User, Group: q.Group, GroupAll: q.GroupAll,
		Label: q.Label, HoldingID: q.HoldingID,
		TransactionID: q.TransactionID, Tag: q.Tag,
	})
	if err != nil {
		return nil, err
	}

	// One query across all matched holdings, newest ingest first, so that
	// under One the most recent transaction wins globally.
	holdingIn := make([]string, len(holdings))
	args := make([]interface{}, 0, len(holdings)+1)
	for i, h := range holdings {
		holdingIn[i] = "?"
		args = append(args, h.ID)
	}
	query := `SELECT ` + fileColumns + ` FROM files f
		JOIN transactions t ON f.transaction_id = t.id
		WHERE t.holding_id IN (` + strings.Join(holdingIn, ",") + `)`
	if q.TransactionID != "" {
		query += ` AND t.transaction_id = ?`
		args = append(args, q.TransactionID)
	}
	query += ` ORDER BY t.ingest_time DESC, f.id`

	var files []*File
	seen := map[string]bool{}
	rows, err := s.query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get files: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("get files: %w", err)
		}
		if pathRe != nil && !pathRe.MatchString(f.OriginalPath) {
			continue
		}
		if q.One {
			if seen[f.OriginalPath] {
				continue
			}
			seen[f.OriginalPath] = true
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get files: %w", err)
	}
	if len(files) == 0 {
		return nil, types.Errorf(types.ErrNotFound, "no files match query")
	}
	return files, nil
}

// GetLocation returns the file's location on the given tier, or nil when
// the file has no copy there.
func (s *Session) GetLocation(f *File, st types.StorageType) (*Location, error) {
	var l Location
	var aggID sql.NullInt64
	err := s.queryRow(
		`SELECT id, storage_type, url_scheme, url_netloc, root, path,
		 access_time, file_id, aggregation_id
		 FROM locations WHERE file_id = ? AND storage_type = ?`,
		f.ID, string(st)).Scan(&l.ID, &l.StorageType, &l.URLScheme, &l.URLNetloc,
		&l.Root, &l.Path, &l.AccessTime, &l.FileID, &aggID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get location: %w", err)
	}
	l.AggregationID = aggID.Int64
	return &l, nil
}

// CreateLocation records a copy of a file on one tier. The unique
// constraint on (storage_type, file_id) turns repeats into conflicts.
func (s *Session) CreateLocation(f *File, st types.StorageType,
	scheme, netloc, root, pth string, accessTime time.Time, agg *Aggregation) (*Location, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DBOpDuration.WithLabelValues("catalog", "create_location"))

	var aggID interface{}
	if agg != nil {
		aggID = agg.ID
	}
	res, err := s.exec(
		`INSERT INTO locations (storage_type, url_scheme, url_netloc, root, path,
		 access_time, file_id, aggregation_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(st), scheme, netloc, root, pth, accessTime.UTC(), f.ID, aggID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, types.Errorf(types.ErrConflict,
				"file %s already has a %s location", f.OriginalPath, st)
		}
		return nil, fmt.Errorf("create location: %w", err)
	}
	id, err := s.insertID(res,
		`SELECT id FROM locations WHERE file_id = ? AND storage_type = ?`,
		f.ID, string(st))
	if err != nil {
		return nil, fmt.Errorf("create location: %w", err)
	}
	l := &Location{
		ID: id, StorageType: st, URLScheme: scheme, URLNetloc: netloc,
		Root: root, Path: pth, AccessTime: accessTime.UTC(), FileID: f.ID,
	}
	if agg != nil {
		l.AggregationID = agg.ID
	}
	return l, nil
}

// UpdateLocation writes the location's URL fields and aggregation back.
func (s *Session) UpdateLocation(l *Location) error {
	var aggID interface{}
	if l.AggregationID != 0 {
		aggID = l.AggregationID
	}
	_, err := s.exec(
		`UPDATE locations SET url_scheme = ?, url_netloc = ?, root = ?, path = ?,
		 access_time = ?, aggregation_id = ? WHERE id = ?`,
		l.URLScheme, l.URLNetloc, l.Root, l.Path, l.AccessTime.UTC(), aggID, l.ID)
	if err != nil {
		return fmt.Errorf("update location: %w", err)
	}
	return nil
}

// DeleteLocation removes the file's copy record on one tier.
func (s *Session) DeleteLocation(f *File, st types.StorageType) error {
	_, err := s.exec(
		`DELETE FROM locations WHERE file_id = ? AND storage_type = ?`,
		f.ID, string(st))
	if err != nil {
		return fmt.Errorf("delete location: %w", err)
	}
	return nil
}

// CreateAggregation records one tar archive on tape.
func (s *Session) CreateAggregation(tarname string, checksum uint32,
	algorithm string, failedFl bool) (*Aggregation, error) {
	res, err := s.exec(
		`INSERT INTO aggregations (tarname, checksum, algorithm, failed_fl)
		 VALUES (?, ?, ?, ?)`,
		tarname, int64(checksum), algorithm, failedFl)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, types.Errorf(types.ErrConflict,
				"aggregation %s already exists", tarname)
		}
		return nil, fmt.Errorf("create aggregation: %w", err)
	}
	id, err := s.insertID(res,
		`SELECT id FROM aggregations WHERE tarname = ?`, tarname)
	if err != nil {
		return nil, fmt.Errorf("create aggregation: %w", err)
	}
	return &Aggregation{ID: id, TarName: tarname, Checksum: checksum,
		Algorithm: algorithm, FailedFl: failedFl}, nil
}

// GetAggregation looks an aggregation up by id.
func (s *Session) GetAggregation(id int64) (*Aggregation, error) {
	var a Aggregation
	var checksum int64
	err := s.queryRow(
		`SELECT id, tarname, checksum, algorithm, failed_fl
		 FROM aggregations WHERE id = ?`, id).
		Scan(&a.ID, &a.TarName, &checksum, &a.Algorithm, &a.FailedFl)
	if err == sql.ErrNoRows {
		return nil, types.Errorf(types.ErrNotFound, "aggregation %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get aggregation: %w", err)
	}
	a.Checksum = uint32(checksum)
	return &a, nil
}

// GetAggregationByTarName looks an aggregation up by its tar file name.
func (s *Session) GetAggregationByTarName(tarname string) (*Aggregation, error) {
	var a Aggregation
	var checksum int64
	err := s.queryRow(
		`SELECT id, tarname, checksum, algorithm, failed_fl
		 FROM aggregations WHERE tarname = ?`, tarname).
		Scan(&a.ID, &a.TarName, &checksum, &a.Algorithm, &a.FailedFl)
	if err == sql.ErrNoRows {
		return nil, types.Errorf(types.ErrNotFound, "aggregation %s not found", tarname)
	}
	if err != nil {
		return nil, fmt.Errorf("get aggregation: %w", err)
	}
	a.Checksum = uint32(checksum)
	return &a, nil
}

// GetLocations returns every tier's copy record of a file.
func (s *Session) GetLocations(f *File) ([]*Location, error) {
	rows, err := s.query(
		`SELECT id, storage_type, url_scheme, url_netloc, root, path,
		 access_time, file_id, aggregation_id
		 FROM locations WHERE file_id = ? ORDER BY storage_type`, f.ID)
	if err != nil {
		return nil, fmt.Errorf("get locations: %w", err)
	}
	defer rows.Close()
	var locations []*Location
	for rows.Next() {
		var l Location
		var aggID sql.NullInt64
		err := rows.Scan(&l.ID, &l.StorageType, &l.URLScheme, &l.URLNetloc,
			&l.Root, &l.Path, &l.AccessTime, &l.FileID, &aggID)
		if err != nil {
			return nil, fmt.Errorf("get locations: %w", err)
		}
		l.AggregationID = aggID.Int64
		locations = append(locations, &l)
	}
	return locations, rows.Err()
}

// UpdateAggregation records the checksum of a filled aggregation and,
// when the tarname changes, rewrites the root of every dependent location.
func (s *Session) UpdateAggregation(a *Aggregation, checksum uint32,
	algorithm, tarname string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DBOpDuration.WithLabelValues("catalog", "update_aggregation"))

	rename := tarname != "" && tarname != a.TarName
	if rename {
		rows, err := s.query(
			`SELECT id, root FROM locations WHERE aggregation_id = ?`, a.ID)
		if err != nil {
			return fmt.Errorf("update aggregation: %w", err)
		}
		type rootRow struct {
			id   int64
			root string
		}
		var deps []rootRow
		for rows.Next() {
			var r rootRow
			if err := rows.Scan(&r.id, &r.root); err != nil {
				rows.Close()
				return fmt.Errorf("update aggregation: %w", err)
			}
			deps = append(deps, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("update aggregation: %w", err)
		}
		for _, dep := range deps {
			newRoot := path.Join(path.Dir(dep.root), tarname)
			if _, err := s.exec(
				`UPDATE locations SET root = ? WHERE id = ?`, newRoot, dep.id); err != nil {
				return fmt.Errorf("update aggregation: %w", err)
			}
		}
	}
	name := a.TarName
	if rename {
		name = tarname
	}
	_, err := s.exec(
		`UPDATE aggregations SET checksum = ?, algorithm = ?, tarname = ? WHERE id = ?`,
		int64(checksum), algorithm, name, a.ID)
	if err != nil {
		return fmt.Errorf("update aggregation: %w", err)
	}
	a.Checksum = checksum
	a.Algorithm = algorithm
	a.TarName = name
	return nil
}

// FailAggregation marks an aggregation as needing repack.
func (s *Session) FailAggregation(a *Aggregation) error {
	if _, err := s.exec(
		`UPDATE aggregations SET failed_fl = ? WHERE id = ?`, true, a.ID); err != nil {
		return fmt.Errorf("fail aggregation: %w", err)
	}
	a.FailedFl = true
	return nil
}

// DeleteAggregation removes an aggregation; dependent locations cascade.
func (s *Session) DeleteAggregation(a *Aggregation) error {
	if _, err := s.exec(`DELETE FROM aggregations WHERE id = ?`, a.ID); err != nil {
		return fmt.Errorf("delete aggregation: %w", err)
	}
	return nil
}

// CreateChecksum records a per-file digest.
func (s *Session) CreateChecksum(f *File, checksum uint32, algorithm string) (*Checksum, error) {
	res, err := s.exec(
		`INSERT INTO checksums (file_id, checksum, algorithm) VALUES (?, ?, ?)`,
		f.ID, int64(checksum), algorithm)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, types.Errorf(types.ErrConflict,
				"checksum already recorded for algorithm %s", algorithm)
		}
		return nil, fmt.Errorf("create checksum: %w", err)
	}
	id, err := s.insertID(res,
		`SELECT id FROM checksums WHERE checksum = ? AND algorithm = ?`,
		int64(checksum), algorithm)
	if err != nil {
		return nil, fmt.Errorf("create checksum: %w", err)
	}
	return &Checksum{ID: id, FileID: f.ID, Checksum: checksum, Algorithm: algorithm}, nil
}

// GetNextUnarchivedHolding returns the lowest-id holding with at least one
// file lacking a tape location, or nil when everything is archived.
func (s *Session) GetNextUnarchivedHolding() (*Holding, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DBOpDuration.WithLabelValues("catalog", "next_unarchived"))

	var h Holding
	err := s.queryRow(
		`SELECT h.id, h.label, h.owner_user, h.owner_group FROM holdings h
		 WHERE EXISTS (
			SELECT 1 FROM files f
			JOIN transactions t ON f.transaction_id = t.id
			WHERE t.holding_id = h.id AND f.path_type = ?
			AND NOT EXISTS (
				SELECT 1 FROM locations l
				WHERE l.file_id = f.id AND l.storage_type = ?))
		 ORDER BY h.id LIMIT 1`,
		string(types.PathTypeFile), string(types.StorageTape)).
		Scan(&h.ID, &h.Label, &h.User, &h.Group)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next unarchived holding: %w", err)
	}
	return &h, nil
}

// GetUnarchivedFiles returns the regular files of a holding that have no
// tape location yet.
func (s *Session) GetUnarchivedFiles(h *Holding) ([]*File, error) {
	rows, err := s.query(
		`SELECT `+fileColumns+` FROM files f
		 JOIN transactions t ON f.transaction_id = t.id
		 WHERE t.holding_id = ? AND f.path_type = ?
		 AND NOT EXISTS (
			SELECT 1 FROM locations l
			WHERE l.file_id = f.id AND l.storage_type = ?)
		 ORDER BY f.id`,
		h.ID, string(types.PathTypeFile), string(types.StorageTape))
	if err != nil {
		return nil, fmt.Errorf("unarchived files: %w", err)
	}
	defer rows.Close()
	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("unarchived files: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// GetFileByPath finds one file in a holding by exact original path.
func (s *Session) GetFileByPath(holdingID int64, originalPath string) (*File, error) {
	rows, err := s.query(
		`SELECT `+fileColumns+` FROM files f
		 JOIN transactions t ON f.transaction_id = t.id
		 WHERE t.holding_id = ? AND f.original_path = ?
		 ORDER BY t.ingest_time DESC LIMIT 1`,
		holdingID, originalPath)
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, types.Errorf(types.ErrNotFound,
			"file %s not found in holding %d", originalPath, holdingID)
	}
	f, err := scanFile(rows)
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	return f, nil
}

// DeleteFiles removes the matching files one by one, each in its own
// transaction, so that earlier deletes survive a later failure. Emptied
// transactions and holdings are removed as the last file leaves them.
func (c *Catalog) DeleteFiles(q FileQuery) (int, error) {
	session, err := c.Begin()
	if err != nil {
		return 0, err
	}
	files, err := session.GetFiles(q)
	session.Rollback()
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, f := range files {
		s, err := c.Begin()
		if err != nil {
			return deleted, err
		}
		if err := s.deleteFileCascade(f); err != nil {
			s.Rollback()
			return deleted, err
		}
		if err := s.Commit(); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// deleteFileCascade deletes one file and cleans up the transaction and
// holding when they become empty.
func (s *Session) deleteFileCascade(f *File) error {
	var holdingID int64
	err := s.queryRow(
		`SELECT holding_id FROM transactions WHERE id = ?`, f.TransactionID).
		Scan(&holdingID)
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	if _, err := s.exec(`DELETE FROM files WHERE id = ?`, f.ID); err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	var remaining int
	err = s.queryRow(
		`SELECT COUNT(*) FROM files WHERE transaction_id = ?`, f.TransactionID).
		Scan(&remaining)
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	if remaining == 0 {
		if _, err := s.exec(`DELETE FROM transactions WHERE id = ?`, f.TransactionID); err != nil {
			return fmt.Errorf("delete file: %w", err)
		}
	}
	err = s.queryRow(
		`SELECT COUNT(*) FROM files f
		 JOIN transactions t ON f.transaction_id = t.id
		 WHERE t.holding_id = ?`, holdingID).Scan(&remaining)
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	if remaining == 0 {
		if _, err := s.exec(`DELETE FROM holdings WHERE id = ?`, holdingID); err != nil {
			return fmt.Errorf("delete file: %w", err)
		}
	}
	return nil
}
