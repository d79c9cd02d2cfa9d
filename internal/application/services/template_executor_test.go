package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/municipio-digital/actas-engine/internal/adapters/events"
	"github.com/municipio-digital/actas-engine/internal/adapters/memory"
	"github.com/municipio-digital/actas-engine/internal/domain/entities"
	"github.com/municipio-digital/actas-engine/internal/domain/providers"
	apperrors "github.com/municipio-digital/actas-engine/pkg/errors"
)

type executorFixture struct {
	actas          *memory.ActaStore
	store          *memory.TemplateStore
	transcriptions *memory.TranscriptionStore
	bus            *memory.LocalEventBus
	registry       *fakeRegistry
	executor       *TemplateExecutor
}

func newExecutorFixture() *executorFixture {
	f := &executorFixture{
		actas:          memory.NewActaStore(),
		store:          memory.NewTemplateStore(),
		transcriptions: memory.NewTranscriptionStore(),
		bus:            memory.NewLocalEventBus(),
		registry:       &fakeRegistry{providers: map[string]providers.AIProvider{}, errs: map[string]error{}},
	}
	resolver := NewSegmentResolver(f.registry, f.store)
	progress := NewProgressSink(f.actas, f.bus)
	f.executor = NewTemplateExecutor(f.actas, f.store, f.transcriptions, resolver, f.registry, progress)
	return f
}

func (f *executorFixture) seedTranscription() {
	f.transcriptions.Put(&entities.Transcription{
		ID: "tr-1",
		ConversationSegments: []entities.ConversationSegment{
			{Speaker: "Alcalde", Text: "Se abre la sesión.", Confidence: 0.9},
			{Speaker: "Secretaria", Text: "Se da lectura al orden del día.", Confidence: 0.85},
			{Speaker: "Concejal", Text: "Propongo aprobar el presupuesto.", Confidence: 0.88},
			{Speaker: "Alcalde", Text: "Se somete a votación.", Confidence: 0.92},
		},
		FullText:        "Se abre la sesión...",
		DurationSeconds: 3600,
		SpeakerCount:    3,
	})
}

func (f *executorFixture) seedTemplate(globalPrompt string) {
	f.store.PutSegment(&entities.Segment{
		ID: "seg-1", Code: "encabezado", Name: "Encabezado",
		Mode:           entities.SegmentStatic,
		LiteralPayload: "Acta {{numero_acta}} — {{fecha_sesion}}",
		Active:         true,
	})
	f.store.PutSegment(&entities.Segment{
		ID: "seg-2", Code: "resumen", Name: "Resumen",
		Mode:            entities.SegmentDynamic,
		Prompt:          "Resume la sesión",
		DefaultProvider: "prov-1",
		InputVariables:  []string{"transcripcion"},
		Active:          true,
	})
	f.store.PutSegment(&entities.Segment{
		ID: "seg-3", Code: "acuerdos", Name: "Acuerdos",
		Mode:            entities.SegmentDynamic,
		Prompt:          "Extrae los acuerdos",
		DefaultProvider: "prov-1",
		Active:          true,
	})
	f.store.PutTemplate(&entities.Template{
		ID: "tpl-1", Code: "ordinaria-v1", Name: "Sesión Ordinaria",
		Kind:         entities.TemplateOrdinaria,
		GlobalPrompt: globalPrompt,
		Active:       true,
		Composition: []entities.SegmentBinding{
			{ID: "b1", SegmentRef: "seg-1", Order: 1, Mandatory: true},
			{ID: "b2", SegmentRef: "seg-2", Order: 2, Mandatory: true},
			{ID: "b3", SegmentRef: "seg-3", Order: 3},
		},
	})
}

func (f *executorFixture) seedActa(state entities.ActaState) *entities.Acta {
	acta := &entities.Acta{
		ID:               "acta-1",
		Number:           "ORD-2026-03-007",
		Title:            "Sesión Ordinaria — 14/03/2026",
		TemplateRef:      "tpl-1",
		TranscriptionRef: "tr-1",
		State:            state,
		SessionDate:      time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
	}
	if err := f.actas.Create(context.Background(), acta); err != nil {
		panic(err)
	}
	return acta
}

func changeLogEvents(entries []entities.ChangeLogEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Event
	}
	return out
}

func assertSingleTerminalEvent(t *testing.T, entries []entities.ChangeLogEntry) {
	t.Helper()
	terminal := 0
	for _, e := range entries {
		switch e.Event {
		case "completed", "failed", "cancelled":
			terminal++
		}
	}
	if terminal != 1 {
		t.Errorf("change log has %d terminal events, want exactly 1: %v", terminal, changeLogEvents(entries))
	}
}

func assertProgressMonotone(t *testing.T, entries []entities.ChangeLogEntry) {
	t.Helper()
	last := -1
	for _, e := range entries {
		if e.Event == "failed" || e.Event == "cancelled" {
			continue
		}
		if e.Progress < last {
			t.Errorf("progress regressed from %d to %d at event %q", last, e.Progress, e.Event)
		}
		last = e.Progress
	}
}

func TestExecuteHappyPath(t *testing.T) {
	f := newExecutorFixture()
	f.seedTranscription()
	f.seedTemplate("")
	f.seedActa(entities.StateQueued)
	f.registry.providers["prov-1"] = &scriptedProvider{script: []scriptedCall{
		{text: "Se trataron tres puntos del orden del día.", tokens: 100},
		{text: "1. Aprobar el presupuesto municipal.", tokens: 60},
	}}

	if err := f.executor.Execute(context.Background(), "acta-1"); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	acta, _ := f.actas.GetByID(context.Background(), "acta-1")
	if acta.State != entities.StateReview {
		t.Errorf("State = %q, want review", acta.State)
	}
	if acta.Progress != 100 {
		t.Errorf("Progress = %d, want 100", acta.Progress)
	}
	if len(acta.SegmentResults) != 3 {
		t.Errorf("SegmentResults = %d entries, want 3", len(acta.SegmentResults))
	}
	if !strings.Contains(acta.DraftText, "## Encabezado") || !strings.Contains(acta.DraftText, "ORD-2026-03-007") {
		t.Errorf("DraftText = %q", acta.DraftText)
	}
	if acta.FinalText != acta.DraftText {
		t.Errorf("FinalText should equal draft when no global prompt is set")
	}
	if !strings.Contains(acta.FinalHTML, `<section data-segment="resumen">`) {
		t.Errorf("FinalHTML missing resumen section: %q", acta.FinalHTML)
	}
	if acta.Timestamps.Started == nil || acta.Timestamps.Reviewed == nil {
		t.Errorf("lifecycle timestamps not set: %+v", acta.Timestamps)
	}
	if got := acta.Metrics["segments_ok"]; got != 3 {
		t.Errorf("segments_ok = %v, want 3", got)
	}
	if got := acta.Metrics["total_tokens"]; got != int64(160) {
		t.Errorf("total_tokens = %v, want 160", got)
	}

	log := f.actas.ChangeLog("acta-1")
	want := []string{"started", "validated", "segment_completed", "segment_completed", "segment_completed", "unifying", "completed"}
	got := changeLogEvents(log)
	if len(got) != len(want) {
		t.Fatalf("change log = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("change log[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	assertProgressMonotone(t, log)
	assertSingleTerminalEvent(t, log)

	published := f.bus.Published(events.ActaChannel("acta-1"))
	if len(published) != len(want) {
		t.Errorf("published %d events, want %d", len(published), len(want))
	}
}

func TestExecuteSegmentResultsFeedLaterSegments(t *testing.T) {
	f := newExecutorFixture()
	f.seedTranscription()
	f.seedTemplate("")
	f.seedActa(entities.StateQueued)

	provider := &scriptedProvider{script: []scriptedCall{
		{text: "Resumen de la sesión."},
		{text: "Acuerdos basados en el resumen."},
	}}
	f.registry.providers["prov-1"] = provider

	seg, _ := f.store.GetByRef(context.Background(), "acuerdos")
	seg.InputVariables = []string{"resumen"}
	f.store.PutSegment(seg)

	if err := f.executor.Execute(context.Background(), "acta-1"); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := provider.lastPayload["resumen"]; got != "Resumen de la sesión." {
		t.Errorf("later segment payload resumen = %v, want prior segment output", got)
	}
}

func TestExecuteSegmentBoundTwiceKeepsBothResults(t *testing.T) {
	f := newExecutorFixture()
	f.seedTranscription()
	f.seedTemplate("")
	f.seedActa(entities.StateQueued)
	f.registry.providers["prov-1"] = &scriptedProvider{script: []scriptedCall{
		{text: "Resumen.", tokens: 10},
	}}

	// A reusable segment appears at both ends of the composition.
	f.store.PutTemplate(&entities.Template{
		ID: "tpl-1", Code: "ordinaria-v1", Name: "Sesión Ordinaria",
		Kind:   entities.TemplateOrdinaria,
		Active: true,
		Composition: []entities.SegmentBinding{
			{ID: "b-apertura", SegmentRef: "seg-1", Order: 1, Mandatory: true},
			{ID: "b-resumen", SegmentRef: "seg-2", Order: 2, Mandatory: true},
			{ID: "b-cierre", SegmentRef: "seg-1", Order: 3},
		},
	})

	if err := f.executor.Execute(context.Background(), "acta-1"); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	acta, _ := f.actas.GetByID(context.Background(), "acta-1")
	if len(acta.SegmentResults) != 3 {
		t.Fatalf("SegmentResults = %d entries, want one per binding (3)", len(acta.SegmentResults))
	}
	for _, id := range []string{"b-apertura", "b-resumen", "b-cierre"} {
		if _, ok := acta.SegmentResults[id]; !ok {
			t.Errorf("SegmentResults missing binding %q", id)
		}
	}
	if got := acta.SegmentResults["b-apertura"].Order; got != 1 {
		t.Errorf("b-apertura order = %d, want 1", got)
	}
	if got := acta.SegmentResults["b-cierre"].Order; got != 3 {
		t.Errorf("b-cierre order = %d, want 3", got)
	}
	if got := strings.Count(acta.DraftText, "## Encabezado"); got != 2 {
		t.Errorf("draft has %d Encabezado sections, want both occurrences: %q", got, acta.DraftText)
	}
}

func TestExecuteStaticSegmentFeedsLaterSegments(t *testing.T) {
	f := newExecutorFixture()
	f.seedTranscription()
	f.seedTemplate("")
	f.seedActa(entities.StateQueued)

	provider := &scriptedProvider{script: []scriptedCall{
		{text: "Resumen de la sesión."},
		{text: "Acuerdos con contexto."},
	}}
	f.registry.providers["prov-1"] = provider

	seg, _ := f.store.GetByRef(context.Background(), "acuerdos")
	seg.InputVariables = []string{"encabezado"}
	f.store.PutSegment(seg)

	if err := f.executor.Execute(context.Background(), "acta-1"); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	want := "Acta ORD-2026-03-007 — 2026-03-14"
	if got := provider.lastPayload["encabezado"]; got != want {
		t.Errorf("later segment payload encabezado = %v, want %q", got, want)
	}
}

func TestExecuteMandatorySegmentFailureFailsRun(t *testing.T) {
	f := newExecutorFixture()
	f.seedTranscription()
	f.seedTemplate("")
	f.seedActa(entities.StateQueued)
	f.registry.providers["prov-1"] = &scriptedProvider{script: []scriptedCall{
		{err: apperrors.New(apperrors.ErrorTypeAuth, "invalid api key")},
	}}

	err := f.executor.Execute(context.Background(), "acta-1")
	if err == nil {
		t.Fatal("Execute() error = nil, want mandatory segment failure")
	}

	acta, _ := f.actas.GetByID(context.Background(), "acta-1")
	if acta.State != entities.StateError {
		t.Errorf("State = %q, want error", acta.State)
	}
	if !strings.Contains(acta.ErrorMessage, `mandatory segment "resumen" failed`) {
		t.Errorf("ErrorMessage = %q", acta.ErrorMessage)
	}

	log := f.actas.ChangeLog("acta-1")
	if last := log[len(log)-1]; last.Event != "failed" {
		t.Errorf("last change log event = %q, want failed", last.Event)
	}
	assertSingleTerminalEvent(t, log)
}

func TestExecuteOptionalSegmentFailureSkips(t *testing.T) {
	f := newExecutorFixture()
	f.seedTranscription()
	f.seedTemplate("")
	f.seedActa(entities.StateQueued)
	f.registry.providers["prov-1"] = &scriptedProvider{script: []scriptedCall{
		{text: "Resumen correcto.", tokens: 50},
		{err: apperrors.New(apperrors.ErrorTypeBadRequest, "prompt rejected")},
	}}

	if err := f.executor.Execute(context.Background(), "acta-1"); err != nil {
		t.Fatalf("Execute() error = %v, optional failure must not fail the run", err)
	}

	acta, _ := f.actas.GetByID(context.Background(), "acta-1")
	if acta.State != entities.StateReview {
		t.Errorf("State = %q, want review", acta.State)
	}
	if got := acta.Metrics["segments_failed"]; got != 1 {
		t.Errorf("segments_failed = %v, want 1", got)
	}
	if strings.Contains(acta.DraftText, "## Acuerdos") {
		t.Errorf("failed segment leaked into draft: %q", acta.DraftText)
	}

	events := changeLogEvents(f.actas.ChangeLog("acta-1"))
	skipped := false
	for _, e := range events {
		if e == "segment_skipped" {
			skipped = true
		}
	}
	if !skipped {
		t.Errorf("change log = %v, want segment_skipped entry", events)
	}
}

func TestExecuteCancellation(t *testing.T) {
	f := newExecutorFixture()
	f.seedTranscription()
	f.seedTemplate("")
	f.seedActa(entities.StateQueued)
	f.registry.providers["prov-1"] = &scriptedProvider{script: []scriptedCall{{text: "x"}}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.executor.Execute(ctx, "acta-1")
	if !apperrors.IsType(err, apperrors.ErrorTypeCancelled) {
		t.Fatalf("Execute() error = %v, want CANCELLED", err)
	}

	acta, _ := f.actas.GetByID(context.Background(), "acta-1")
	if acta.State != entities.StateError {
		t.Errorf("State = %q, want error", acta.State)
	}
	if acta.ErrorMessage != entities.CancelledByOperator {
		t.Errorf("ErrorMessage = %q, want %q", acta.ErrorMessage, entities.CancelledByOperator)
	}

	log := f.actas.ChangeLog("acta-1")
	if last := log[len(log)-1]; last.Event != "cancelled" {
		t.Errorf("last change log event = %q, want cancelled", last.Event)
	}
	assertSingleTerminalEvent(t, log)
}

func TestExecuteUnificationSuccess(t *testing.T) {
	f := newExecutorFixture()
	f.seedTranscription()
	f.seedTemplate("Unifica las secciones en un acta formal")
	f.seedActa(entities.StateQueued)
	f.registry.providers["prov-1"] = &scriptedProvider{script: []scriptedCall{
		{text: "Resumen.", tokens: 10},
		{text: "Acuerdos.", tokens: 10},
		{text: "ACTA UNIFICADA FINAL", tokens: 200},
	}}

	template, _ := f.store.GetTemplate(context.Background(), "tpl-1")
	template.DefaultProvider = "prov-1"
	f.store.PutTemplate(template)

	if err := f.executor.Execute(context.Background(), "acta-1"); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	acta, _ := f.actas.GetByID(context.Background(), "acta-1")
	if acta.FinalText != "ACTA UNIFICADA FINAL" {
		t.Errorf("FinalText = %q, want unified output", acta.FinalText)
	}
	if acta.DraftText == acta.FinalText {
		t.Errorf("draft should keep the concatenated form")
	}
	if got := acta.Metrics["unification_tokens"]; got != int64(200) {
		t.Errorf("unification_tokens = %v, want 200", got)
	}
	if got := acta.Metrics["degraded"]; got != false {
		t.Errorf("degraded = %v, want false", got)
	}
}

func TestExecuteUnificationFailureDegrades(t *testing.T) {
	f := newExecutorFixture()
	f.seedTranscription()
	f.seedTemplate("Unifica las secciones")
	f.seedActa(entities.StateQueued)
	f.registry.providers["prov-1"] = &scriptedProvider{script: []scriptedCall{
		{text: "Resumen.", tokens: 10},
		{text: "Acuerdos.", tokens: 10},
	}}
	f.registry.errs["prov-unify"] = apperrors.New(apperrors.ErrorTypeAuth, "invalid api key")

	template, _ := f.store.GetTemplate(context.Background(), "tpl-1")
	template.DefaultProvider = "prov-unify"
	f.store.PutTemplate(template)

	if err := f.executor.Execute(context.Background(), "acta-1"); err != nil {
		t.Fatalf("Execute() error = %v, degraded unification must not fail the run", err)
	}

	acta, _ := f.actas.GetByID(context.Background(), "acta-1")
	if acta.State != entities.StateReview {
		t.Errorf("State = %q, want review", acta.State)
	}
	if acta.FinalText != acta.DraftText {
		t.Errorf("FinalText should fall back to the concatenated draft")
	}
	if got := acta.Metrics["degraded"]; got != true {
		t.Errorf("degraded = %v, want true", got)
	}
}

func TestExecuteRejectsNonQueuedState(t *testing.T) {
	f := newExecutorFixture()
	f.seedTranscription()
	f.seedTemplate("")
	f.seedActa(entities.StateReview)

	err := f.executor.Execute(context.Background(), "acta-1")
	if !apperrors.IsType(err, apperrors.ErrorTypeConflict) {
		t.Fatalf("Execute() error = %v, want CONFLICT", err)
	}
}

func TestExecuteShortTranscriptionFails(t *testing.T) {
	f := newExecutorFixture()
	f.seedTemplate("")
	f.seedActa(entities.StateQueued)
	f.transcriptions.Put(&entities.Transcription{
		ID: "tr-1",
		ConversationSegments: []entities.ConversationSegment{
			{Speaker: "Alcalde", Text: "Hola."},
		},
	})

	err := f.executor.Execute(context.Background(), "acta-1")
	if !apperrors.IsType(err, apperrors.ErrorTypeInputInvalid) {
		t.Fatalf("Execute() error = %v, want INPUT_INVALID", err)
	}

	acta, _ := f.actas.GetByID(context.Background(), "acta-1")
	if acta.State != entities.StateError {
		t.Errorf("State = %q, want error", acta.State)
	}
}

func TestExecuteInactiveTemplateFails(t *testing.T) {
	f := newExecutorFixture()
	f.seedTranscription()
	f.seedTemplate("")
	f.seedActa(entities.StateQueued)

	template, _ := f.store.GetTemplate(context.Background(), "tpl-1")
	template.Active = false
	f.store.PutTemplate(template)

	err := f.executor.Execute(context.Background(), "acta-1")
	if !apperrors.IsType(err, apperrors.ErrorTypeConfig) {
		t.Fatalf("Execute() error = %v, want CONFIG", err)
	}
}
