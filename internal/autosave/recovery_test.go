package autosave

import (
	"context"
	"maps"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hylla/icsforms/internal/adapters/storage/sqlite"
	"github.com/hylla/icsforms/internal/app"
	"github.com/hylla/icsforms/internal/domain"
	"github.com/hylla/icsforms/internal/template"
)

func newStoreService(t *testing.T) *app.Service {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.OpenInMemory(ctx, sqlite.Options{})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	reg, err := template.LoadBundled(ctx, template.LoaderConfig{FailOnError: true})
	require.NoError(t, err)
	return app.NewService(store, reg, nil, nil, app.ServiceConfig{RecoveryDir: t.TempDir()})
}

func TestCrashRecoveryFlushesJournaledEdit(t *testing.T) {
	ctx := context.Background()
	forms := newStoreService(t)
	form, err := forms.CreateForm(ctx, app.CreateFormInput{
		FormType:     domain.FormTypeICS201,
		IncidentName: "Pine Canyon",
		PreparerName: "Martinez",
	})
	require.NoError(t, err)

	dir := t.TempDir()
	edited := maps.Clone(form.Data)
	edited["situation_summary"] = "Fire crossed the ridge at 14:10"

	before, err := New(forms, Config{Settings: testSettings(dir)})
	require.NoError(t, err)
	changed, err := before.Track(form.ID, edited, form.Version)
	require.NoError(t, err)
	require.True(t, changed)
	// The process dies here: no tick, no Stop.

	after, err := New(forms, Config{Settings: testSettings(dir)})
	require.NoError(t, err)
	after.tickEvery = 10 * time.Millisecond
	recovered, err := after.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	t.Cleanup(func() {
		_, _ = after.Stop(context.Background())
	})

	require.Eventually(t, func() bool {
		got, err := forms.GetForm(ctx, form.ID)
		return err == nil && got.Version == form.Version+1
	}, 2*time.Second, 5*time.Millisecond)

	got, err := forms.GetForm(ctx, form.ID)
	require.NoError(t, err)
	assert.Equal(t, "Fire crossed the ridge at 14:10", got.Data["situation_summary"])
	assert.Equal(t, "Pine Canyon", got.Data["incident_name"])
	assert.Equal(t, domain.StatusDraft, got.Status)
	assert.Empty(t, drainJournal(t, after))
}

func TestStaleRecoveryBecomesConflict(t *testing.T) {
	ctx := context.Background()
	forms := newStoreService(t)
	form, err := forms.CreateForm(ctx, app.CreateFormInput{
		FormType:     domain.FormTypeICS201,
		IncidentName: "Cedar Fire",
		PreparerName: "Martinez",
	})
	require.NoError(t, err)

	dir := t.TempDir()
	svc, err := New(forms, Config{Settings: testSettings(dir)})
	require.NoError(t, err)
	edited := maps.Clone(form.Data)
	edited["situation_summary"] = "local edit"
	_, err = svc.Track(form.ID, edited, form.Version)
	require.NoError(t, err)

	_, err = forms.UpdateForm(ctx, form.ID, domain.FormPatch{Notes: ptr("edited elsewhere")})
	require.NoError(t, err)

	saved, err := svc.SaveAllPending(ctx)
	assert.Empty(t, saved)
	assert.ErrorIs(t, err, app.ErrConcurrency)
	st := svc.Status()
	assert.Equal(t, StateConflict, st.State)
	assert.Equal(t, form.Version, st.LocalVersion)
	assert.Equal(t, form.Version+1, st.RemoteVersion)

	got, err := forms.GetForm(ctx, form.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "local edit", got.Data["situation_summary"])
}

func ptr[T any](v T) *T { return &v }

// drainJournal lists journal entries still on disk for the service's recovery dir.
func drainJournal(t *testing.T, svc *Service) []journalEntry {
	t.Helper()
	scan, err := scanJournal(svc.Settings().RecoveryDir, testNow, time.Duration(1<<62))
	require.NoError(t, err)
	return scan.Entries
}
