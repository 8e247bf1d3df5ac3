package httpapi

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/halyard-io/halyard/internal/apperr"
	"github.com/halyard-io/halyard/internal/backup"
	"github.com/halyard-io/halyard/internal/storage"
)

func (s *Server) handleListMigrations(w http.ResponseWriter, r *http.Request) error {
	records, err := s.migrations.List(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"migrations": records})
	return nil
}

func (s *Server) handleGetMigration(w http.ResponseWriter, r *http.Request) error {
	rec, err := s.migrations.Get(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, rec)
	return nil
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) error {
	points, err := s.backups.ListRestorePoints()
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"backups": points})
	return nil
}

func (s *Server) findRestorePoint(name string) (backup.RestorePoint, error) {
	points, err := s.backups.ListRestorePoints()
	if err != nil {
		return backup.RestorePoint{}, err
	}
	for _, rp := range points {
		if rp.Name == name {
			return rp, nil
		}
	}
	return backup.RestorePoint{}, apperr.E(apperr.NotFound, "backup %s not found", name)
}

// handleDownloadBackup streams the CSV backup directory as a tar.gz.
func (s *Server) handleDownloadBackup(w http.ResponseWriter, r *http.Request) error {
	rp, err := s.findRestorePoint(chi.URLParam(r, "name"))
	if err != nil {
		return err
	}
	if rp.CSVDir == "" {
		return apperr.E(apperr.NotFound, "backup %s has no CSV export", rp.Name)
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(rp.CSVDir)+`.tar.gz"`)
	w.WriteHeader(http.StatusOK)
	return archiveDir(w, rp.CSVDir)
}

// handleUploadBackup accepts a tar.gz produced by download and unpacks it
// into the backups directory, making it restorable on this instance.
func (s *Server) handleUploadBackup(w http.ResponseWriter, r *http.Request) error {
	dir, err := extractArchive(r.Body, s.backups.Dir())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, map[string]string{"dir": filepath.Base(dir)})
	return nil
}

func (s *Server) handleScanOrphans(w http.ResponseWriter, r *http.Request) error {
	orphans, err := s.backups.ScanOrphans(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, orphans)
	return nil
}

func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) error {
	var opts backup.Options
	if r.ContentLength > 0 {
		if err := decodeBody(r, &opts); err != nil {
			return err
		}
	}
	res, err := s.backups.Backup(r.Context(), opts)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, res)
	return nil
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) error {
	if err := s.migrations.Backfill(r.Context()); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	return nil
}

func (s *Server) handleRestoreFull(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	rp, err := s.findRestorePoint(req.Name)
	if err != nil {
		return err
	}
	if err := s.backups.FullRollback(r.Context(), rp); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "restored": rp.Name})
	return nil
}

func (s *Server) handleRestoreCSV(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	rp, err := s.findRestorePoint(req.Name)
	if err != nil {
		return err
	}
	if rp.CSVDir == "" {
		return apperr.E(apperr.NotFound, "backup %s has no CSV export", rp.Name)
	}
	if err := s.backups.ImportCSV(r.Context(), rp.CSVDir); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "imported": rp.Name})
	return nil
}

func (s *Server) handleRestoreRevert(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		Table  string `json:"table"`
		Target string `json:"target"`
	}
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	target, err := storage.DecodeTime(req.Target)
	if err != nil {
		return apperr.E(apperr.Validation, "target must be an RFC3339 timestamp")
	}
	p := PrincipalFrom(r.Context())
	summary, err := s.backups.RevertTable(r.Context(), req.Table, target, p.Email)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, summary)
	return nil
}

// archiveDir writes dir as a gzipped tarball. Entries are stored under the
// directory's base name so extraction recreates it in place.
func archiveDir(w io.Writer, dir string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	base := filepath.Base(dir)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		hdr := &tar.Header{
			Name:    filepath.ToSlash(filepath.Join(base, rel)),
			Mode:    0o644,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

// extractArchive unpacks a gzipped tarball under destDir and returns the
// top-level directory it created. Entries escaping destDir are rejected.
func extractArchive(r io.Reader, destDir string) (string, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return "", apperr.E(apperr.Validation, "body must be a gzipped tarball")
	}
	defer gz.Close()

	var top string
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", apperr.E(apperr.Validation, "corrupt archive")
		}
		name := filepath.Clean(hdr.Name)
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return "", apperr.E(apperr.Validation, "archive entry escapes the backup directory")
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if top == "" {
			top = strings.SplitN(filepath.ToSlash(name), "/", 2)[0]
		}

		path := filepath.Join(destDir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return "", err
		}
		// Cap single entries to keep a hostile archive from filling the disk.
		if _, err := io.Copy(f, io.LimitReader(tr, 1<<30)); err != nil {
			f.Close()
			return "", err
		}
		if err := f.Close(); err != nil {
			return "", err
		}
		_ = os.Chtimes(path, time.Now(), hdr.ModTime)
	}
	if top == "" {
		return "", apperr.E(apperr.Validation, "archive is empty")
	}
	return filepath.Join(destDir, top), nil
}
