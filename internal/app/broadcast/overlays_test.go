package broadcast

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

func TestProfilePosition(t *testing.T) {
	pos := profilePosition(core.VideoComposition{Index: 1, X: 640, Y: 0, Width: 640, Height: 360})
	assert.Equal(t, 2, pos.Index)
	assert.InDelta(t, 640+640.0/3, pos.X, 1e-9)
	assert.InDelta(t, 120, pos.Y, 1e-9)
	assert.InDelta(t, 640.0/3, pos.Width, 1e-9)
	assert.InDelta(t, 120, pos.Height, 1e-9)
}

func TestVideoStoppedOverlays(t *testing.T) {
	c := newTestClient(&fakeBackends{})
	p := NewPresets(c, nil)
	ctx := context.Background()

	p.AddVideoStopped(ctx, "p1", domain.ParticipantAttributes{})
	assert.Equal(t, []string{OverlayVideoStoppedBg}, c.Overlays("p1"))

	p.AddVideoStopped(ctx, "p1", domain.ParticipantAttributes{Name: "Ada"})
	assert.Equal(t, []string{OverlayVideoStoppedBg, OverlayVideoStoppedProfile}, c.Overlays("p1"))

	p.RemoveVideoStopped("p1")
	assert.Empty(t, c.Overlays("p1"))
}

func TestAudioMutedOverlayIsBound(t *testing.T) {
	backends := &fakeBackends{}
	c := newTestClient(backends)
	ctx := context.Background()
	require.NoError(t, c.PreviewRef(ctx, fakePreview{}))
	c.AddLayerTracks(ctx, "p1", []core.Track{audio("a1")})

	p := NewPresets(c, nil)
	p.AddAudioMuted(ctx, "p1")

	pos, ok := backends.Last().image("p1-audio-muted")
	require.True(t, ok)
	assert.Equal(t, core.VideoComposition{Index: 2, Width: 1280, Height: 720}, pos)

	p.RemoveAudioMuted("p1")
	_, ok = backends.Last().image("p1-audio-muted")
	assert.False(t, ok)
}

func TestProfileImageSources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/me.png" {
			http.NotFound(w, r)
			return
		}
		img := image.NewRGBA(image.Rect(0, 0, 40, 20))
		for x := range 40 {
			for y := range 20 {
				img.Set(x, y, color.RGBA{R: 200, A: 255})
			}
		}
		w.Header().Set("Content-Type", "image/png")
		_ = png.Encode(w, img)
	}))
	defer srv.Close()

	p := NewPresets(newTestClient(&fakeBackends{}), srv.Client())
	ctx := context.Background()

	picture := p.profileImage(ctx, domain.ParticipantAttributes{Picture: srv.URL + "/me.png"}, 30)
	assert.Equal(t, image.Rect(0, 0, 30, 30), picture.Bounds())
	_, _, _, centre := picture.At(15, 15).RGBA()
	_, _, _, corner := picture.At(0, 0).RGBA()
	assert.NotZero(t, centre)
	assert.Zero(t, corner)

	missing := p.profileImage(ctx, domain.ParticipantAttributes{Picture: srv.URL + "/gone.png", Name: "Ada"}, 30)
	assert.Equal(t, accountImage(30).Bounds(), missing.Bounds())

	a := p.profileImage(ctx, domain.ParticipantAttributes{Name: "Ada"}, 30)
	b := avatarImage("Ada", 30)
	assert.Equal(t, b, a)
}
