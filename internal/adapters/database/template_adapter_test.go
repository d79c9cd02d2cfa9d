package database

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/municipio-digital/actas-engine/internal/domain/entities"
	apperrors "github.com/municipio-digital/actas-engine/pkg/errors"
)

func TestTemplateAdapterGetTemplate(t *testing.T) {
	client, mock := setupMockDB(t)
	adapter := NewTemplateAdapter(client)

	mock.ExpectQuery(`SELECT id, code, name, kind`).WithArgs("ordinaria-v1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "code", "name", "kind", "global_prompt", "default_provider_id", "active", "version",
		}).AddRow("t1", "ordinaria-v1", "Sesión Ordinaria", "ordinaria", "Unifica", "p1", true, "3"))

	mock.ExpectQuery(`SELECT id, template_id, segment_id`).WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "template_id", "segment_id", "position", "mandatory", "prompt_override", "param_overrides",
		}).
			AddRow("b1", "t1", "s1", 1, true, nil, []byte(`{"tipo_sesion":"ordinaria"}`)).
			AddRow("b2", "t1", "s2", 2, false, "Resume en tono formal", nil))

	template, err := adapter.GetTemplate(context.Background(), "ordinaria-v1")
	if err != nil {
		t.Fatalf("GetTemplate() error = %v", err)
	}
	if template.Kind != entities.TemplateOrdinaria {
		t.Errorf("kind = %s", template.Kind)
	}
	if template.DefaultProvider != "p1" {
		t.Errorf("default provider = %q", template.DefaultProvider)
	}
	if len(template.Composition) != 2 {
		t.Fatalf("composition has %d bindings, want 2", len(template.Composition))
	}
	if template.Composition[0].ParamOverrides["tipo_sesion"] != "ordinaria" {
		t.Errorf("param overrides not decoded: %v", template.Composition[0].ParamOverrides)
	}
	if template.Composition[1].PromptOverride != "Resume en tono formal" {
		t.Errorf("prompt override = %q", template.Composition[1].PromptOverride)
	}
}

func TestTemplateAdapterGetTemplateNotFound(t *testing.T) {
	client, mock := setupMockDB(t)
	adapter := NewTemplateAdapter(client)

	mock.ExpectQuery(`SELECT id, code, name, kind`).WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := adapter.GetTemplate(context.Background(), "ghost")
	if !apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestSegmentAdapterDelete(t *testing.T) {
	t.Run("Unreferenced segment deleted", func(t *testing.T) {
		client, mock := setupMockDB(t)
		adapter := NewSegmentAdapter(client)

		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM template_segments`).WithArgs("obsoleto").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectExec(`DELETE FROM acta_segments`).WithArgs("obsoleto").
			WillReturnResult(sqlmock.NewResult(0, 1))

		if err := adapter.Delete(context.Background(), "obsoleto"); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
	})

	t.Run("Referenced segment refused", func(t *testing.T) {
		client, mock := setupMockDB(t)
		adapter := NewSegmentAdapter(client)

		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM template_segments`).WithArgs("resumen").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

		err := adapter.Delete(context.Background(), "resumen")
		if !apperrors.IsType(err, apperrors.ErrorTypeConflict) {
			t.Errorf("expected CONFLICT, got %v", err)
		}
	})

	t.Run("Unknown segment", func(t *testing.T) {
		client, mock := setupMockDB(t)
		adapter := NewSegmentAdapter(client)

		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM template_segments`).WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectExec(`DELETE FROM acta_segments`).WithArgs("ghost").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := adapter.Delete(context.Background(), "ghost")
		if !apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
			t.Errorf("expected NOT_FOUND, got %v", err)
		}
	})
}
