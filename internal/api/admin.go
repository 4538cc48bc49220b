package api

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/reflectdb/reflectdb/internal/model"
	"github.com/reflectdb/reflectdb/internal/secctx"
)

// seedFile is the YAML shape of an optional genesis seed: class definitions
// followed by records per class.
type seedFile struct {
	Classes []model.Record            `yaml:"classes"`
	Records map[string][]model.Record `yaml:"records"`
}

// Genesis seeds the system classes into a fresh store, then applies the
// configured seed file when one is set.
func (h *Handler) Genesis(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Registry().Bootstrap(r.Context()); err != nil {
		h.respondError(w, err)
		return
	}
	out := map[string]any{"status": "seeded"}
	if h.seedFile != "" {
		classes, records, err := h.applySeed(r)
		if err != nil {
			h.respondError(w, err)
			return
		}
		out["seed_classes"] = classes
		out["seed_records"] = records
	}
	writeJSON(w, http.StatusOK, out)
}

// applySeed loads the seed file and writes its classes and records through
// the engine, with custom ids allowed and ownership stamping off.
func (h *Handler) applySeed(r *http.Request) (int, int, error) {
	data, err := os.ReadFile(h.seedFile)
	if err != nil {
		return 0, 0, err
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return 0, 0, err
	}

	ctx := secctx.With(r.Context(), &secctx.Context{
		AllowCustomIDs:   true,
		DisableOwnership: true,
	})
	for _, cls := range seed.Classes {
		if _, err := h.engine.SetObject(ctx, model.ClassClass, cls); err != nil {
			return 0, 0, err
		}
	}
	records := 0
	for classID, recs := range seed.Records {
		for _, rec := range recs {
			if _, err := h.engine.SetObject(ctx, classID, rec); err != nil {
				return 0, 0, err
			}
			records++
		}
	}
	return len(seed.Classes), records, nil
}

// GenesisStatus verifies the reflective root: the `@class` record describing
// `@class` itself must exist.
func (h *Handler) GenesisStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := h.engine.Backend().Get(r.Context(), model.ClassClass, model.ClassClass)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "empty"})
		return
	}
	classes, err := h.engine.Backend().List(r.Context(), model.ClassClass)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"classes": len(classes),
	})
}

// exportDump is the on-disk shape of one export.
type exportDump struct {
	ExportedAt string                    `json:"exported_at"`
	Classes    map[string][]model.Record `json:"classes"`
}

// Export writes a full snapshot of every class and its records to a
// timestamped JSON file under the exports directory.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	classes, err := h.engine.Backend().List(ctx, model.ClassClass)
	if err != nil {
		h.respondError(w, err)
		return
	}

	dump := exportDump{
		ExportedAt: time.Now().UTC().Format(time.RFC3339),
		Classes:    map[string][]model.Record{},
	}
	total := 0
	for _, cls := range classes {
		recs, err := h.engine.Backend().List(ctx, cls.ID())
		if err != nil {
			h.respondError(w, err)
			return
		}
		dump.Classes[cls.ID()] = recs
		total += len(recs)
	}

	if err := os.MkdirAll(h.exportsDir, 0o750); err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", "create exports dir: "+err.Error())
		return
	}
	name := "export-" + time.Now().UTC().Format("20060102-150405") + ".json"
	path := filepath.Join(h.exportsDir, name)
	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", "write export: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"file":    name,
		"classes": len(dump.Classes),
		"records": total,
	})
}

// ListExports lists the export files on disk, newest first.
func (h *Handler) ListExports(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(h.exportsDir)
	if err != nil {
		if os.IsNotExist(err) {
			writeJSON(w, http.StatusOK, []any{})
			return
		}
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}

	type exportInfo struct {
		File     string `json:"file"`
		Size     int64  `json:"size"`
		Modified string `json:"modified"`
	}
	out := []exportInfo{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, exportInfo{
			File:     e.Name(),
			Size:     info.Size(),
			Modified: info.ModTime().UTC().Format(time.RFC3339),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].File > out[j].File })
	writeJSON(w, http.StatusOK, out)
}

// Reset wipes every class and record, then re-seeds the system classes.
// Restricted to administrative callers.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !secctx.From(ctx).DisableOwnership {
		writeError(w, http.StatusForbidden, "forbidden",
			"reset requires the "+HeaderDisableOwnership+" header")
		return
	}
	backend := h.engine.Backend()

	classes, err := backend.List(ctx, model.ClassClass)
	if err != nil {
		h.respondError(w, err)
		return
	}
	removed := 0
	for _, cls := range classes {
		recs, err := backend.List(ctx, cls.ID())
		if err != nil {
			h.respondError(w, err)
			return
		}
		for _, rec := range recs {
			if _, err := backend.Delete(ctx, cls.ID(), rec.ID()); err != nil {
				h.respondError(w, err)
				return
			}
			removed++
		}
		if _, err := backend.Delete(ctx, model.ClassClass, cls.ID()); err != nil {
			h.respondError(w, err)
			return
		}
	}

	h.engine.Registry().Invalidate(model.ClassClass)
	if err := h.engine.Registry().Reseed(ctx); err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "reset",
		"removed": removed,
	})
}
