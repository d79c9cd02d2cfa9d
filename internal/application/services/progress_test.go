package services

import (
	"context"
	"testing"
	"time"

	"github.com/municipio-digital/actas-engine/internal/adapters/events"
	"github.com/municipio-digital/actas-engine/internal/adapters/memory"
	"github.com/municipio-digital/actas-engine/internal/domain/entities"
)

func TestReportPersistsAndPublishes(t *testing.T) {
	actas := memory.NewActaStore()
	bus := memory.NewLocalEventBus()
	sink := NewProgressSink(actas, bus)

	acta := &entities.Acta{
		ID:          "acta-1",
		Number:      "ORD-2026-03-001",
		TemplateRef: "tpl-1",
		State:       entities.StateDraft,
		SessionDate: time.Now(),
	}
	if err := actas.Create(context.Background(), acta); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	acta.State = entities.StateQueued
	acta.Progress = 0
	if err := sink.Report(context.Background(), acta, "queued", "detail"); err != nil {
		t.Fatalf("Report() error = %v", err)
	}

	stored, _ := actas.GetByID(context.Background(), "acta-1")
	if stored.State != entities.StateQueued {
		t.Errorf("State = %q, want queued persisted", stored.State)
	}

	log := actas.ChangeLog("acta-1")
	if len(log) != 1 {
		t.Fatalf("change log has %d entries, want 1", len(log))
	}
	if log[0].Event != "queued" || log[0].Detail != "detail" {
		t.Errorf("entry = %+v", log[0])
	}

	published := bus.Published(events.ActaChannel("acta-1"))
	if len(published) != 1 {
		t.Fatalf("published %d events, want 1", len(published))
	}
	event := published[0]
	if event.ActaID != "acta-1" || event.Event != "queued" || event.State != "queued" {
		t.Errorf("event = %+v", event)
	}
	if event.ID == "" {
		t.Error("event ID not assigned")
	}
}

func TestReportWorksWithoutBus(t *testing.T) {
	actas := memory.NewActaStore()
	sink := NewProgressSink(actas, nil)

	acta := &entities.Acta{ID: "acta-1", Number: "N-1", State: entities.StateDraft}
	if err := actas.Create(context.Background(), acta); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := sink.Report(context.Background(), acta, "queued", ""); err != nil {
		t.Fatalf("Report() error = %v", err)
	}
}

func TestReportUnknownActaFails(t *testing.T) {
	sink := NewProgressSink(memory.NewActaStore(), memory.NewLocalEventBus())
	err := sink.Report(context.Background(), &entities.Acta{ID: "ghost"}, "queued", "")
	if err == nil {
		t.Fatal("Report() error = nil, want not-found from repository")
	}
}
