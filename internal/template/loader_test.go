package template

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hylla/icsforms/internal/domain"
)

func TestLoadBundledCoversEveryFormType(t *testing.T) {
	reg, err := LoadBundled(context.Background(), LoaderConfig{FailOnError: true})
	require.NoError(t, err)

	assert.Equal(t, domain.FormTypes(), reg.AvailableFormTypes())
	assert.Empty(t, reg.Failures())
	for _, ft := range domain.FormTypes() {
		tpl, ok := reg.Get(ft)
		require.True(t, ok, "missing %s", ft)
		assert.Equal(t, ft, tpl.FormType)
		assert.NotEmpty(t, tpl.Checksum())
		ref, ok := tpl.Field("incident_name")
		require.True(t, ok, "%s lacks incident_name", ft)
		assert.True(t, ref.Field.Required)
	}

	stats := reg.Stats()
	assert.Equal(t, 20, stats.Templates)
	assert.Greater(t, stats.Fields, stats.Sections)
	assert.Greater(t, stats.Rules, 0)
}

func TestLoadFSSkipsInvalidTemplatesUnlessStrict(t *testing.T) {
	fsys := fstest.MapFS{
		"tpl/good.json":      {Data: []byte(minimalTemplate("ICS-213"))},
		"tpl/broken.json":    {Data: []byte(`{"template_id": `)},
		"tpl/duplicate.json": {Data: []byte(minimalTemplate("ICS-213"))},
		"tpl/README.md":      {Data: []byte("ignored")},
	}

	reg, err := LoadFS(context.Background(), fsys, "tpl", LoaderConfig{})
	require.NoError(t, err)
	assert.Equal(t, []domain.FormType{domain.FormTypeICS213}, reg.AvailableFormTypes())
	assert.Len(t, reg.Failures(), 2)

	_, err = LoadFS(context.Background(), fsys, "tpl", LoaderConfig{FailOnError: true})
	require.Error(t, err)
}

func TestLoadFSRequireAllReportsMissing(t *testing.T) {
	fsys := fstest.MapFS{"tpl/a.json": {Data: []byte(minimalTemplate("ICS-201"))}}
	_, err := LoadFS(context.Background(), fsys, "tpl", LoaderConfig{FailOnError: true, RequireAll: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ICS-225")
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte(`{"template_id":"x","form_type":"ICS-201","version":"1.0","title":"t","sections":[],"bogus":1}`))
	require.Error(t, err)
}

func TestFieldTypeRoundTrip(t *testing.T) {
	tpl, err := Parse([]byte(minimalTemplate("ICS-205")))
	require.NoError(t, err)
	ref, ok := tpl.Field("channel")
	require.True(t, ok)
	require.Equal(t, KindSelect, ref.Field.Type.Kind)
	require.NotNil(t, ref.Field.Type.Choice)

	raw, err := ref.Field.Type.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"select","options":[{"value":"a","label":"A"},{"value":"b","label":"B"}]}`, string(raw))
}

func TestPatternCache(t *testing.T) {
	tpl, err := Parse([]byte(minimalTemplate("ICS-201")))
	require.NoError(t, err)
	re1, err := tpl.Pattern(`^\d+$`)
	require.NoError(t, err)
	re2, err := tpl.Pattern(`^\d+$`)
	require.NoError(t, err)
	assert.Same(t, re1, re2)
	_, err = tpl.Pattern(`(`)
	assert.Error(t, err)
}

// minimalTemplate renders a small valid template for the given form type.
func minimalTemplate(ft string) string {
	return `{
  "template_id": "` + ft + `-test",
  "form_type": "` + ft + `",
  "version": "1.2",
  "title": "Test",
  "metadata": {"author": "t", "created_at": "", "updated_at": "", "status": "draft"},
  "sections": [{
    "id": "main",
    "title": "Main",
    "fields": [
      {"id": "incident_name", "label": "Incident", "field_type": {"type": "text", "min_length": 3}, "required": true},
      {"id": "channel", "label": "Channel", "field_type": {"type": "select", "options": [{"value": "a", "label": "A"}, {"value": "b", "label": "B"}]}}
    ]
  }]
}`
}
