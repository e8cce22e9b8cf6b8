package classify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"interfix/internal/defect"
	"interfix/internal/document"
	"interfix/internal/validate"
)

func classifyString(t *testing.T, markup string, report *validate.Report) []defect.ClassifiedError {
	t.Helper()
	c := New(DefaultConfig(), zap.NewNop())
	t.Cleanup(c.Close)

	errs, err := c.Classify(context.Background(), document.NewString(markup), report)
	require.NoError(t, err)
	return errs
}

func TestClassifyHiddenButton(t *testing.T) {
	page := `<!DOCTYPE html>
<html><head><style>
#cta { opacity: 0; }
</style></head><body>
<button id="cta">Go</button>
</body></html>`

	errs := classifyString(t, page, nil)
	require.Len(t, errs, 1)

	e := errs[0]
	assert.Equal(t, defect.KindVisibility, e.Kind)
	assert.Equal(t, "#cta", e.Selector)
	assert.Equal(t, "button", e.Tag)
	assert.False(t, e.RequiresGenerative)
	assert.InDelta(t, 0.6, e.Confidence, 1e-9)
	assert.Equal(t, 0.0, e.Style.Opacity)
	assert.NotEmpty(t, e.Evidence)
}

func TestClassifyClickShield(t *testing.T) {
	// A decorative full-viewport layer outranks the layered button: input
	// routing is broken while the button itself renders fine.
	page := `<!DOCTYPE html>
<html><head><style>
#cta { position: fixed; left: 100px; top: 100px; width: 200px; height: 48px; z-index: 10; }
.shield { position: fixed; inset: 0; z-index: 20; }
</style></head><body>
<div class="shield"></div>
<button id="cta" onclick="go()">Go</button>
</body></html>`

	errs := classifyString(t, page, nil)
	require.Len(t, errs, 1)

	e := errs[0]
	assert.Equal(t, defect.KindPointerRouting, e.Kind)
	assert.Equal(t, "#cta", e.Selector)
	assert.True(t, e.Style.HasLayerIndex)
	assert.Equal(t, 10, e.Style.LayerIndex)

	require.NotNil(t, e.Blocker)
	assert.Equal(t, "div.shield", e.Blocker.Selector)
	assert.Equal(t, "div", e.Blocker.Tag)
	assert.Equal(t, 20, e.Blocker.LayerIndex)
}

func TestClassifyBuriedButton(t *testing.T) {
	// Neither element declares a layer; the backdrop paints above only
	// because it comes later. That is a stacking defect on the button.
	page := `<!DOCTYPE html>
<html><head><style>
.backdrop { position: fixed; inset: 0; }
</style></head><body>
<button id="buy">Buy</button>
<div class="backdrop"></div>
</body></html>`

	errs := classifyString(t, page, nil)
	require.Len(t, errs, 1)

	e := errs[0]
	assert.Equal(t, defect.KindStacking, e.Kind)
	assert.Equal(t, "#buy", e.Selector)
	assert.False(t, e.Style.HasLayerIndex)

	require.NotNil(t, e.Blocker)
	assert.Equal(t, "div.backdrop", e.Blocker.Selector)
	assert.Equal(t, 0, e.Blocker.LayerIndex)
}

func TestClassifyPointerEventsNone(t *testing.T) {
	page := `<!DOCTYPE html>
<html><head><style>
#cta { pointer-events: none; }
</style></head><body>
<button id="cta">Go</button>
</body></html>`

	errs := classifyString(t, page, nil)
	require.Len(t, errs, 1)
	assert.Equal(t, defect.KindPointerRouting, errs[0].Kind)
	assert.Nil(t, errs[0].Blocker)
}

func TestClassifyTransforms(t *testing.T) {
	tests := []struct {
		name      string
		transform string
		evidence  string
	}{
		{"rotated past edge-on", "rotateY(180deg)", "rotates the face away"},
		{"translated offscreen", "translateX(-5000px)", "outside the viewport"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := `<!DOCTYPE html><html><body>
<button id="flip" style="transform: ` + tt.transform + `">Flip</button>
</body></html>`

			errs := classifyString(t, page, nil)
			require.Len(t, errs, 1)
			assert.Equal(t, defect.KindSpatialTransform, errs[0].Kind)
			assert.Equal(t, "#flip", errs[0].Selector)
			assert.Equal(t, tt.transform, errs[0].Style.Transform)
			require.NotEmpty(t, errs[0].Evidence)
			assert.Contains(t, errs[0].Evidence[0], tt.evidence)
		})
	}
}

func TestClassifyFaintFeedback(t *testing.T) {
	page := `<!DOCTYPE html>
<html><head><style>
#cta:active { transform: scale(1.01); }
</style></head><body>
<button id="cta">Go</button>
</body></html>`

	errs := classifyString(t, page, nil)
	require.Len(t, errs, 1)
	assert.Equal(t, defect.KindFeedbackIntensity, errs[0].Kind)
	assert.Equal(t, "#cta", errs[0].Selector)
	assert.False(t, errs[0].RequiresGenerative)
}

func TestClassifyHealthyPage(t *testing.T) {
	page := `<!DOCTYPE html>
<html><head><style>
#cta { background: #1d4ed8; color: #fff; }
#cta:active { transform: scale(1.12); }
</style></head><body>
<button id="cta">Go</button>
<p>Nothing else here.</p>
</body></html>`

	errs := classifyString(t, page, nil)
	assert.Empty(t, errs)
}

func TestClassifyBrokenScript(t *testing.T) {
	page := `<!DOCTYPE html><html><body>
<button id="cta">Go</button>
<script>function broken( {</script>
</body></html>`

	errs := classifyString(t, page, nil)
	require.Len(t, errs, 1)

	e := errs[0]
	assert.Equal(t, defect.KindScriptFault, e.Kind)
	assert.Equal(t, "script:nth-of-type(1)", e.Selector)
	assert.Equal(t, "script", e.Tag)
	assert.True(t, e.RequiresGenerative)
}

func TestClassifyMissingScriptRef(t *testing.T) {
	page := `<!DOCTYPE html><html><body>
<button id="cta">Go</button>
<script>
document.getElementById('ghost').addEventListener('click', function () {});
</script>
</body></html>`

	errs := classifyString(t, page, nil)
	require.Len(t, errs, 1)

	e := errs[0]
	assert.Equal(t, defect.KindScriptFault, e.Kind)
	assert.True(t, e.RequiresGenerative)
	assert.Contains(t, e.Evidence, "missing id: ghost")
}

func TestClassifyReportConfirmsFinding(t *testing.T) {
	page := `<!DOCTYPE html>
<html><head><style>
#cta { opacity: 0; }
#cta:active { transform: scale(1.2); }
</style></head><body>
<button id="cta">Go</button>
</body></html>`

	report := &validate.Report{
		Elements: []validate.ElementResult{{Selector: "#cta", Passed: false}},
		Global:   0,
	}

	errs := classifyString(t, page, report)
	require.Len(t, errs, 1)
	assert.Equal(t, defect.KindVisibility, errs[0].Kind)
	assert.GreaterOrEqual(t, errs[0].Confidence, 0.9)
}

func TestClassifyMisroutedFromReport(t *testing.T) {
	// No declared geometry, so static analysis sees nothing. The report's
	// hit attribution still pins the interception on the toast.
	page := `<!DOCTYPE html>
<html><head><style>
#cta:active { transform: scale(1.2); }
</style></head><body>
<div class="toast">Saved!</div>
<button id="cta">Go</button>
</body></html>`

	report := &validate.Report{
		Elements: []validate.ElementResult{{
			Selector:    "#cta",
			Passed:      false,
			HitSelector: "div.toast",
		}},
		Global: 0,
	}

	errs := classifyString(t, page, report)
	require.Len(t, errs, 1)

	e := errs[0]
	assert.Equal(t, defect.KindPointerRouting, e.Kind)
	require.NotNil(t, e.Blocker)
	assert.Equal(t, "div.toast", e.Blocker.Selector)
	assert.GreaterOrEqual(t, e.Confidence, 0.9)
}

func TestClassifyUnknownFallback(t *testing.T) {
	// The element fails validation yet no structural cause is derivable:
	// totality demands an unknown classification for it.
	page := `<!DOCTYPE html>
<html><head><style>
#cta:active { transform: scale(1.2); }
</style></head><body>
<button id="cta">Go</button>
</body></html>`

	report := &validate.Report{
		Elements: []validate.ElementResult{{Selector: "#cta", Passed: false}},
		Global:   0,
	}

	errs := classifyString(t, page, report)
	require.Len(t, errs, 1)

	e := errs[0]
	assert.Equal(t, defect.KindUnknown, e.Kind)
	assert.True(t, e.RequiresGenerative)
	assert.InDelta(t, 0.4, e.Confidence, 1e-9)
}

func TestClassifyOrdering(t *testing.T) {
	// Output follows document order, then kind order within one element.
	page := `<!DOCTYPE html>
<html><head><style>
#a { opacity: 0; transform: rotateY(180deg); }
#b { pointer-events: none; }
</style></head><body>
<button id="a">A</button>
<button id="b">B</button>
</body></html>`

	errs := classifyString(t, page, nil)
	require.Len(t, errs, 3)

	assert.Equal(t, "#a", errs[0].Selector)
	assert.Equal(t, defect.KindVisibility, errs[0].Kind)
	assert.Equal(t, "#a", errs[1].Selector)
	assert.Equal(t, defect.KindSpatialTransform, errs[1].Kind)
	assert.Equal(t, "#b", errs[2].Selector)
	assert.Equal(t, defect.KindPointerRouting, errs[2].Kind)
}

func TestClassifyNoInteractiveElements(t *testing.T) {
	page := `<!DOCTYPE html><html><body><div class="hero"><p>Static.</p></div></body></html>`
	errs := classifyString(t, page, nil)
	assert.Empty(t, errs)
}
