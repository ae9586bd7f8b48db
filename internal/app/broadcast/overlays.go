package broadcast

import (
	"context"
	"fmt"
	"image"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

const (
	OverlayAudioMuted          = "audio-muted"
	OverlayVideoStoppedBg      = "video-stopped-bg"
	OverlayVideoStoppedProfile = "video-stopped-profile"

	videoStoppedColor = "#3f3f46"
	iconPadding       = 8
	imageFetchTimeout = 5 * time.Second
)

// Presets adds the standard participant overlays to a Client.
type Presets struct {
	client *Client
	http   *http.Client
}

func NewPresets(c *Client, httpClient *http.Client) *Presets {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: imageFetchTimeout}
	}
	return &Presets{client: c, http: httpClient}
}

// AddAudioMuted marks layer with a mic-off icon in its top-right corner.
func (p *Presets) AddAudioMuted(ctx context.Context, layer string) {
	p.client.AddLayerOverlay(ctx, layer, Overlay{
		Name: OverlayAudioMuted,
		Source: func(_ context.Context, res core.Resolution) (image.Image, error) {
			size := float64(res.Width) / 20
			dc := gg.NewContext(res.Width, res.Height)
			drawMicOff(dc, float64(res.Width)-size-iconPadding, iconPadding, size)
			return dc.Image(), nil
		},
		Position: func(l core.VideoComposition) core.VideoComposition {
			l.Index += 2
			return l
		},
	})
}

func (p *Presets) RemoveAudioMuted(layer string) {
	p.client.RemoveLayerOverlay(layer, OverlayAudioMuted)
}

// AddVideoStopped covers layer with a flat background and, when the
// participant has a picture or a name, a centred profile image.
func (p *Presets) AddVideoStopped(ctx context.Context, layer string, attrs domain.ParticipantAttributes) {
	p.client.AddLayerOverlay(ctx, layer, Overlay{
		Name: OverlayVideoStoppedBg,
		Source: func(_ context.Context, res core.Resolution) (image.Image, error) {
			dc := gg.NewContext(res.Width, res.Height)
			dc.SetHexColor(videoStoppedColor)
			dc.Clear()
			return dc.Image(), nil
		},
		Position: func(l core.VideoComposition) core.VideoComposition {
			l.Index++
			return l
		},
	})

	if attrs.Picture == "" && attrs.Name == "" {
		return
	}
	p.client.AddLayerOverlay(ctx, layer, Overlay{
		Name: OverlayVideoStoppedProfile,
		Source: func(ctx context.Context, res core.Resolution) (image.Image, error) {
			return p.profileImage(ctx, attrs, min(res.Width, res.Height)), nil
		},
		Position: profilePosition,
	})
}

func (p *Presets) RemoveVideoStopped(layer string) {
	p.client.RemoveLayerOverlay(layer, OverlayVideoStoppedBg)
	p.client.RemoveLayerOverlay(layer, OverlayVideoStoppedProfile)
}

// profilePosition is a third of the layer, centred, one level above it.
func profilePosition(l core.VideoComposition) core.VideoComposition {
	w, h := l.Width/3, l.Height/3
	return core.VideoComposition{
		Index:  l.Index + 1,
		Width:  w,
		Height: h,
		X:      l.X + (l.Width-w)/2,
		Y:      l.Y + (l.Height-h)/2,
	}
}

func (p *Presets) profileImage(ctx context.Context, attrs domain.ParticipantAttributes, size int) image.Image {
	switch {
	case attrs.Picture != "":
		img, err := p.fetchImage(ctx, attrs.Picture)
		if err == nil {
			return circleCrop(imaging.Fill(img, size, size, imaging.Center, imaging.Lanczos), size)
		}
		log.Warn().Str("module", "app.broadcast").Str("picture", attrs.Picture).Err(err).Msg("profile picture unavailable")
	case attrs.Name != "":
		return avatarImage(attrs.Name, size)
	}
	return accountImage(size)
}

func (p *Presets) fetchImage(ctx context.Context, url string) (image.Image, error) {
	ctx, cancel := context.WithTimeout(ctx, imageFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch image: unexpected status %d", resp.StatusCode)
	}
	return imaging.Decode(resp.Body)
}
