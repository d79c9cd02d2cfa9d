package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/municipio-digital/actas-engine/internal/adapters/memory"
	"github.com/municipio-digital/actas-engine/internal/domain/entities"
	apperrors "github.com/municipio-digital/actas-engine/pkg/errors"
)

func newActaServiceFixture() (*ActaService, *memory.ActaStore, *memory.TemplateStore, *memory.TranscriptionStore) {
	actas := memory.NewActaStore()
	store := memory.NewTemplateStore()
	transcriptions := memory.NewTranscriptionStore()

	store.PutTemplate(&entities.Template{
		ID: "tpl-1", Code: "ordinaria-v1", Name: "Sesión Ordinaria",
		Kind:   entities.TemplateOrdinaria,
		Active: true,
		Composition: []entities.SegmentBinding{
			{ID: "b1", SegmentRef: "seg-1", Order: 1},
		},
	})
	transcriptions.Put(&entities.Transcription{
		ID:           "tr-1",
		SpeakerCount: 5,
		ConversationSegments: []entities.ConversationSegment{
			{Speaker: "Alcalde", Text: "Se abre la sesión."},
			{Speaker: "Secretaria", Text: "Lectura del orden del día."},
			{Speaker: "Concejal", Text: "Mociono aprobar."},
		},
	})

	return NewActaService(actas, store, transcriptions), actas, store, transcriptions
}

func TestCreateFromTranscription(t *testing.T) {
	service, _, _, _ := newActaServiceFixture()
	sessionDate := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

	acta, err := service.CreateFromTranscription(context.Background(), CreateActaRequest{
		TemplateRef:      "tpl-1",
		TranscriptionRef: "tr-1",
		SessionDate:      sessionDate,
		CreatedBy:        "operador-1",
	})
	if err != nil {
		t.Fatalf("CreateFromTranscription() error = %v", err)
	}

	if acta.Number != "ORD-2026-03-001" {
		t.Errorf("Number = %q, want ORD-2026-03-001", acta.Number)
	}
	if acta.State != entities.StateDraft {
		t.Errorf("State = %q, want draft", acta.State)
	}
	if !strings.Contains(acta.Title, "Sesión Ordinaria") || !strings.Contains(acta.Title, "14/03/2026") {
		t.Errorf("Title = %q, want generated from template and session date", acta.Title)
	}
	if !strings.Contains(acta.Title, "5 participantes") {
		t.Errorf("Title = %q, want speaker count", acta.Title)
	}
	if acta.Timestamps.Created.IsZero() {
		t.Error("Timestamps.Created not set")
	}
}

func TestCreateFromTranscriptionSequencesWithinMonth(t *testing.T) {
	service, _, _, _ := newActaServiceFixture()
	sessionDate := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

	var numbers []string
	for i := 0; i < 3; i++ {
		acta, err := service.CreateFromTranscription(context.Background(), CreateActaRequest{
			TemplateRef:      "tpl-1",
			TranscriptionRef: "tr-1",
			SessionDate:      sessionDate.AddDate(0, 0, i),
			Title:            "Sesión",
		})
		if err != nil {
			t.Fatalf("CreateFromTranscription() #%d error = %v", i, err)
		}
		numbers = append(numbers, acta.Number)
	}

	want := []string{"ORD-2026-03-001", "ORD-2026-03-002", "ORD-2026-03-003"}
	for i := range want {
		if numbers[i] != want[i] {
			t.Errorf("numbers[%d] = %q, want %q", i, numbers[i], want[i])
		}
	}
}

func TestCreateFromTranscriptionNewMonthResetsSequence(t *testing.T) {
	service, _, _, _ := newActaServiceFixture()

	march, err := service.CreateFromTranscription(context.Background(), CreateActaRequest{
		TemplateRef:      "tpl-1",
		TranscriptionRef: "tr-1",
		SessionDate:      time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
		Title:            "Sesión",
	})
	if err != nil {
		t.Fatalf("CreateFromTranscription() error = %v", err)
	}
	april, err := service.CreateFromTranscription(context.Background(), CreateActaRequest{
		TemplateRef:      "tpl-1",
		TranscriptionRef: "tr-1",
		SessionDate:      time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		Title:            "Sesión",
	})
	if err != nil {
		t.Fatalf("CreateFromTranscription() error = %v", err)
	}

	if march.Number != "ORD-2026-03-001" || april.Number != "ORD-2026-04-001" {
		t.Errorf("numbers = %q, %q; want monthly buckets to sequence independently", march.Number, april.Number)
	}
}

func TestCreateFromTranscriptionExplicitTitleKept(t *testing.T) {
	service, _, _, _ := newActaServiceFixture()

	acta, err := service.CreateFromTranscription(context.Background(), CreateActaRequest{
		TemplateRef:      "tpl-1",
		TranscriptionRef: "tr-1",
		SessionDate:      time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
		Title:            "  Acta constitutiva  ",
	})
	if err != nil {
		t.Fatalf("CreateFromTranscription() error = %v", err)
	}
	if acta.Title != "Acta constitutiva" {
		t.Errorf("Title = %q, want trimmed explicit title", acta.Title)
	}
}

func TestCreateFromTranscriptionValidation(t *testing.T) {
	service, _, store, _ := newActaServiceFixture()

	tests := []struct {
		name     string
		req      CreateActaRequest
		wantType apperrors.ErrorType
	}{
		{
			"Missing template ref",
			CreateActaRequest{TranscriptionRef: "tr-1"},
			apperrors.ErrorTypeInputInvalid,
		},
		{
			"Missing transcription ref",
			CreateActaRequest{TemplateRef: "tpl-1"},
			apperrors.ErrorTypeInputInvalid,
		},
		{
			"Unknown template",
			CreateActaRequest{TemplateRef: "tpl-nope", TranscriptionRef: "tr-1"},
			apperrors.ErrorTypeNotFound,
		},
		{
			"Unknown transcription",
			CreateActaRequest{TemplateRef: "tpl-1", TranscriptionRef: "tr-nope"},
			apperrors.ErrorTypeNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.CreateFromTranscription(context.Background(), tt.req)
			if !apperrors.IsType(err, tt.wantType) {
				t.Errorf("error = %v, want %s", err, tt.wantType)
			}
		})
	}

	t.Run("Inactive template", func(t *testing.T) {
		template, _ := store.GetTemplate(context.Background(), "tpl-1")
		inactive := *template
		inactive.ID = "tpl-2"
		inactive.Code = "inactiva"
		inactive.Active = false
		store.PutTemplate(&inactive)

		_, err := service.CreateFromTranscription(context.Background(), CreateActaRequest{
			TemplateRef:      "tpl-2",
			TranscriptionRef: "tr-1",
		})
		if !apperrors.IsType(err, apperrors.ErrorTypeConfig) {
			t.Errorf("error = %v, want CONFIG", err)
		}
	})
}

func TestExportText(t *testing.T) {
	service, actas, _, _ := newActaServiceFixture()
	acta := &entities.Acta{
		ID:          "acta-1",
		Number:      "ORD-2026-03-007",
		Title:       "Sesión Ordinaria",
		TemplateRef: "tpl-1",
		State:       entities.StateReview,
		SessionDate: time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
		FinalText:   "Cuerpo del acta unificada.",
		DraftText:   "Borrador previo.",
	}
	if err := actas.Create(context.Background(), acta); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	out, err := service.ExportText(context.Background(), "acta-1")
	if err != nil {
		t.Fatalf("ExportText() error = %v", err)
	}

	for _, want := range []string{
		"Acta: ORD-2026-03-007",
		"Título: Sesión Ordinaria",
		"Fecha de sesión: 2026-03-14",
		"Plantilla: Sesión Ordinaria",
		"Estado: review",
		strings.Repeat("=", 80),
		"Cuerpo del acta unificada.",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("ExportText() missing %q in:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Borrador previo.") {
		t.Error("ExportText() used draft despite final text being present")
	}

	header, _, found := strings.Cut(out, strings.Repeat("=", 80))
	if !found {
		t.Fatal("ExportText() missing separator rule")
	}
	if !strings.Contains(header, "Generado: ") {
		t.Errorf("header missing generation timestamp:\n%s", header)
	}
}

func TestExportTextFallsBackToDraft(t *testing.T) {
	service, actas, _, _ := newActaServiceFixture()
	if err := actas.Create(context.Background(), &entities.Acta{
		ID:          "acta-1",
		Number:      "ORD-2026-03-007",
		Title:       "Sesión",
		TemplateRef: "tpl-1",
		State:       entities.StateError,
		SessionDate: time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
		DraftText:   "Borrador parcial.",
	}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	out, err := service.ExportText(context.Background(), "acta-1")
	if err != nil {
		t.Fatalf("ExportText() error = %v", err)
	}
	if !strings.Contains(out, "Borrador parcial.") {
		t.Errorf("ExportText() = %q, want draft body", out)
	}
}

func TestExportTextWithoutBodyFails(t *testing.T) {
	service, actas, _, _ := newActaServiceFixture()
	if err := actas.Create(context.Background(), &entities.Acta{
		ID:          "acta-1",
		Number:      "ORD-2026-03-007",
		TemplateRef: "tpl-1",
		State:       entities.StateDraft,
		SessionDate: time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	_, err := service.ExportText(context.Background(), "acta-1")
	if !apperrors.IsType(err, apperrors.ErrorTypeConflict) {
		t.Fatalf("ExportText() error = %v, want CONFLICT", err)
	}
}
