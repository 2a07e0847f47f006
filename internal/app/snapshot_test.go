package app

import (
	"context"
	"errors"
	"testing"

	"github.com/hylla/icsforms/internal/domain"
)

func TestExportIncidentCollectsFormsEdgesAndSignatures(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	a := createPineCanyon(t, svc)
	b, err := svc.CreateForm(ctx, CreateFormInput{FormType: domain.FormTypeICS202, IncidentName: "pine canyon", PreparerName: "Lee"})
	if err != nil {
		t.Fatalf("CreateForm() error = %v", err)
	}
	other, err := svc.CreateForm(ctx, CreateFormInput{FormType: domain.FormTypeICS202, IncidentName: "Cedar Fire"})
	if err != nil {
		t.Fatalf("CreateForm(other) error = %v", err)
	}
	if _, err := svc.AddRelationship(ctx, a.ID, b.ID, domain.RelationFeeds); err != nil {
		t.Fatalf("AddRelationship() error = %v", err)
	}
	if _, err := svc.AddRelationship(ctx, b.ID, other.ID, domain.RelationReferences); err != nil {
		t.Fatalf("AddRelationship(outside) error = %v", err)
	}
	if _, err := svc.SignForm(ctx, a.ID, "Martinez", "IC", []byte("sig")); err != nil {
		t.Fatalf("SignForm() error = %v", err)
	}

	snap, err := svc.ExportIncident(ctx, "Pine Canyon")
	if err != nil {
		t.Fatalf("ExportIncident() error = %v", err)
	}
	if snap.Version != SnapshotVersion || !snap.ExportedAt.Equal(testNow) {
		t.Fatalf("unexpected header %q %v", snap.Version, snap.ExportedAt)
	}
	if len(snap.Forms) != 2 || snap.Forms[0].ID != a.ID || snap.Forms[1].ID != b.ID {
		t.Fatalf("unexpected forms %#v", snap.Forms)
	}
	if len(snap.Relationships) != 1 || snap.Relationships[0].TargetFormID != b.ID {
		t.Fatalf("expected only the in-incident edge, got %#v", snap.Relationships)
	}
	if len(snap.Signatures) != 1 || string(snap.Signatures[0].Data) != "sig" {
		t.Fatalf("unexpected signatures %#v", snap.Signatures)
	}
	if len(snap.History) != 2 || snap.History[0].ChangedBy != "Martinez" {
		t.Fatalf("unexpected history %#v", snap.History)
	}

	if _, err := svc.ExportIncident(ctx, "Nowhere"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ExportIncident(unknown) error = %v, want not found", err)
	}
}

func TestImportIncidentRemapsIDs(t *testing.T) {
	ctx := context.Background()
	src, _ := newTestService(t)
	a := createPineCanyon(t, src)
	b, err := src.CreateForm(ctx, CreateFormInput{FormType: domain.FormTypeICS204, IncidentName: "Pine Canyon"})
	if err != nil {
		t.Fatalf("CreateForm() error = %v", err)
	}
	if _, err := src.AddRelationship(ctx, a.ID, b.ID, domain.RelationFeeds); err != nil {
		t.Fatalf("AddRelationship() error = %v", err)
	}
	if _, err := src.SignForm(ctx, b.ID, "Adams", "OSC", []byte{1, 2}); err != nil {
		t.Fatalf("SignForm() error = %v", err)
	}
	snap, err := src.ExportIncident(ctx, "Pine Canyon")
	if err != nil {
		t.Fatalf("ExportIncident() error = %v", err)
	}

	dst, repo := newTestService(t)
	createPineCanyon(t, dst)
	createPineCanyon(t, dst)
	res, err := dst.ImportIncident(ctx, snap)
	if err != nil {
		t.Fatalf("ImportIncident() error = %v", err)
	}
	if res.Forms[a.ID] != 3 || res.Forms[b.ID] != 4 || res.Relationships != 1 || res.Signatures != 1 {
		t.Fatalf("unexpected import result %+v", res)
	}
	imported := repo.forms[res.Forms[b.ID]]
	if imported.Status != domain.StatusDraft || imported.Version != 1 || imported.FormType != domain.FormTypeICS204 {
		t.Fatalf("unexpected imported form %+v", imported)
	}
	if rel := repo.rels[0]; rel.SourceFormID != 3 || rel.TargetFormID != 4 {
		t.Fatalf("relationship not remapped: %+v", rel)
	}
	if sig := repo.sigs[0]; sig.FormID != 4 || sig.SignerName != "Adams" {
		t.Fatalf("signature not remapped: %+v", sig)
	}
}

func TestSnapshotValidate(t *testing.T) {
	valid := func() Snapshot {
		return Snapshot{
			Version: SnapshotVersion,
			Forms: []SnapshotForm{
				{ID: 1, FormType: domain.FormTypeICS201, IncidentName: "Pine Canyon"},
				{ID: 2, FormType: domain.FormTypeICS202, IncidentName: "Pine Canyon"},
			},
			Relationships: []SnapshotRelationship{{SourceFormID: 1, TargetFormID: 2, Kind: domain.RelationFeeds}},
		}
	}
	ok := valid()
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate(valid) error = %v", err)
	}

	cases := map[string]func(*Snapshot){
		"version":       func(s *Snapshot) { s.Version = "icsforms.incident.v0" },
		"empty":         func(s *Snapshot) { s.Forms = nil },
		"zero id":       func(s *Snapshot) { s.Forms[0].ID = 0 },
		"duplicate id":  func(s *Snapshot) { s.Forms[1].ID = 1 },
		"form type":     func(s *Snapshot) { s.Forms[0].FormType = "ICS-999" },
		"dangling edge": func(s *Snapshot) { s.Relationships[0].TargetFormID = 9 },
		"dangling sig":  func(s *Snapshot) { s.Signatures = []SnapshotSignature{{FormID: 7, SignerName: "x"}} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := valid()
			mutate(&s)
			if err := s.Validate(); !errors.Is(err, ErrValidation) {
				t.Fatalf("Validate() error = %v, want validation", err)
			}
		})
	}
}
