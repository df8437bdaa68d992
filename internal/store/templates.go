package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// TemplateInput is the mutable template definition accepted from the API.
type TemplateInput struct {
	Key        *string `json:"key"`
	Name       *string `json:"name"`
	ScriptBody *string `json:"script_body"`
}

// TemplateExport is the portable key → definition mapping used by
// import/export.
type TemplateExport map[string]struct {
	Name       string `json:"name"`
	ScriptBody string `json:"script_body"`
}

// ImportSummary counts the outcome of a template import.
type ImportSummary struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
}

// ListTemplates returns all templates ordered by id.
func (s *Store) ListTemplates() ([]*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query("SELECT id, key, name, script_body, created_at, updated_at FROM templates ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()
	var out []*Template
	for rows.Next() {
		var t Template
		if err := rows.Scan(&t.ID, &t.Key, &t.Name, &t.ScriptBody, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// GetTemplate returns one template or ErrNotFound.
func (s *Store) GetTemplate(id int64) (*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getTemplateLocked(id)
}

func (s *Store) getTemplateLocked(id int64) (*Template, error) {
	var t Template
	err := s.db.QueryRow("SELECT id, key, name, script_body, created_at, updated_at FROM templates WHERE id=?", id).
		Scan(&t.ID, &t.Key, &t.Name, &t.ScriptBody, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get template %d: %w", id, err)
	}
	return &t, nil
}

// CreateTemplate inserts a template. When no key is given one is derived
// from the name, suffixed until unique.
func (s *Store) CreateTemplate(in TemplateInput) (*Template, error) {
	name := strings.TrimSpace(deref(in.Name))
	body := strings.TrimSpace(deref(in.ScriptBody))
	key := strings.TrimSpace(deref(in.Key))
	if name == "" {
		return nil, validationf("template name is required")
	}
	if body == "" {
		return nil, validationf("template script body is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if key == "" {
		base := strings.ToLower(strings.ReplaceAll(name, " ", "_"))
		key = base
		for i := 2; ; i++ {
			var count int
			if err := s.db.QueryRow("SELECT COUNT(1) FROM templates WHERE key=?", key).Scan(&count); err != nil {
				return nil, fmt.Errorf("derive template key: %w", err)
			}
			if count == 0 {
				break
			}
			key = fmt.Sprintf("%s_%d", base, i)
		}
	} else {
		var count int
		if err := s.db.QueryRow("SELECT COUNT(1) FROM templates WHERE key=?", key).Scan(&count); err != nil {
			return nil, fmt.Errorf("check template key: %w", err)
		}
		if count > 0 {
			return nil, fmt.Errorf("template key %q already exists: %w", key, ErrConflict)
		}
	}

	now := FormatTime(time.Now())
	res, err := s.db.Exec("INSERT INTO templates (key, name, script_body, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		key, name, body, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert template: %w", err)
	}
	id, _ := res.LastInsertId()
	return s.getTemplateLocked(id)
}

// UpdateTemplate merges the input over the stored template.
func (s *Store) UpdateTemplate(id int64, in TemplateInput) (*Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getTemplateLocked(id)
	if err != nil {
		return nil, err
	}
	name, body, key := existing.Name, existing.ScriptBody, existing.Key
	if in.Name != nil {
		name = strings.TrimSpace(*in.Name)
	}
	if in.ScriptBody != nil {
		body = strings.TrimSpace(*in.ScriptBody)
	}
	if in.Key != nil {
		key = strings.TrimSpace(*in.Key)
	}
	if name == "" {
		return nil, validationf("template name is required")
	}
	if body == "" {
		return nil, validationf("template script body is required")
	}

	_, err = s.db.Exec("UPDATE templates SET key=?, name=?, script_body=?, updated_at=? WHERE id=?",
		key, name, body, FormatTime(time.Now()), id)
	if err != nil {
		return nil, fmt.Errorf("update template: %w", err)
	}
	return s.getTemplateLocked(id)
}

// DeleteTemplate removes one template.
func (s *Store) DeleteTemplate(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec("DELETE FROM templates WHERE id=?", id)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ImportTemplates upserts a key → definition mapping. Entries with an empty
// script body are skipped.
func (s *Store) ImportTemplates(mapping TemplateExport) (ImportSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var summary ImportSummary
	now := FormatTime(time.Now())
	for key, meta := range mapping {
		name := strings.TrimSpace(meta.Name)
		if name == "" {
			name = key
		}
		body := strings.TrimSpace(meta.ScriptBody)
		if body == "" {
			continue
		}
		var id int64
		err := s.db.QueryRow("SELECT id FROM templates WHERE key=?", key).Scan(&id)
		switch {
		case err == sql.ErrNoRows:
			if _, err := s.db.Exec("INSERT INTO templates (key, name, script_body, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
				key, name, body, now, now); err != nil {
				return summary, fmt.Errorf("import template %q: %w", key, err)
			}
			summary.Inserted++
		case err != nil:
			return summary, fmt.Errorf("import template %q: %w", key, err)
		default:
			if _, err := s.db.Exec("UPDATE templates SET name=?, script_body=?, updated_at=? WHERE key=?",
				name, body, now, key); err != nil {
				return summary, fmt.Errorf("import template %q: %w", key, err)
			}
			summary.Updated++
		}
	}
	return summary, nil
}

// ExportTemplates returns the key → definition mapping.
func (s *Store) ExportTemplates() (TemplateExport, error) {
	templates, err := s.ListTemplates()
	if err != nil {
		return nil, err
	}
	out := make(TemplateExport, len(templates))
	for _, t := range templates {
		out[t.Key] = struct {
			Name       string `json:"name"`
			ScriptBody string `json:"script_body"`
		}{Name: t.Name, ScriptBody: t.ScriptBody}
	}
	return out, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
