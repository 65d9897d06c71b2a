package sections_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/doctorbot/internal/models"
	"github.com/xhad/doctorbot/pkg/errs"
	"github.com/xhad/doctorbot/pkg/sections"
)

func TestLoadJSONLSkipsMalformedLines(t *testing.T) {
	input := `{"chapter":"Cardiology","title":"Chest pain","content":"Chest pain may be cardiac.","page_start":10,"page_end":11}
not json at all

{"chapter":"Infectious","title":"Fever","content":"Fever is common.","page_start":20,"page_end":20}
{"chapter": 7}
`
	secs, report, err := sections.LoadJSONL(strings.NewReader(input), nil)
	require.NoError(t, err)

	require.Len(t, secs, 2)
	assert.Equal(t, "Chest pain", secs[0].Title)
	assert.Equal(t, 11, secs[0].PageEnd)
	assert.Equal(t, "Fever", secs[1].Title)

	assert.Equal(t, 2, report.Loaded)
	assert.Equal(t, 2, report.Skipped)
	require.Len(t, report.Errors, 2)
	assert.ErrorIs(t, report.Errors[0], errs.ErrParse)
}

func TestWriteJSONLRoundTrip(t *testing.T) {
	in := []models.Section{
		{Chapter: "A", Title: "One", Content: "Text <b>with</b> markup.", PageStart: 1, PageEnd: 2},
		{Chapter: "B", Title: "Two", Content: "More text.", PageStart: 3, PageEnd: 3},
	}
	var buf bytes.Buffer
	require.NoError(t, sections.WriteJSONL(&buf, in))
	assert.Contains(t, buf.String(), "<b>with</b>")

	out, report, err := sections.LoadJSONL(&buf, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Skipped)
	assert.Equal(t, in, out)
}

func TestParseHTML(t *testing.T) {
	html := `<html><body>
<div data-page="41">
  <h1>Cardiovascular Disorders</h1>
  <h2>Chest Pain</h2>
  <p>Chest pain radiating to the left arm suggests cardiac ischemia.</p>
</div>
<div data-page="42">
  <ul><li>Obtain an ECG promptly.</li></ul>
  <h2>Palpitations</h2>
  <p>Palpitations are   often benign.</p>
  <h3>Empty heading</h3>
</div>
</body></html>`

	secs, err := sections.ParseHTML(strings.NewReader(html))
	require.NoError(t, err)
	require.Len(t, secs, 2)

	assert.Equal(t, "Cardiovascular Disorders", secs[0].Chapter)
	assert.Equal(t, "Chest Pain", secs[0].Title)
	assert.Equal(t, "Chest pain radiating to the left arm suggests cardiac ischemia. Obtain an ECG promptly.", secs[0].Content)
	assert.Equal(t, 41, secs[0].PageStart)
	assert.Equal(t, 42, secs[0].PageEnd)

	assert.Equal(t, "Palpitations", secs[1].Title)
	assert.Equal(t, "Palpitations are often benign.", secs[1].Content)
}
