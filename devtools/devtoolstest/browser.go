// Package devtoolstest provides a fake browser speaking the subset of the
// debugging protocol used by devtools: device metrics, navigation with a
// load event, one evaluation and screenshots of a fixed page raster.
//
// The fake can be reached in-memory through Pipe, or over real HTTP and
// WebSocket through Serve.
package devtoolstest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"
	"sync"
	"time"
)

// Browser is a scripted single-tab browser.
type Browser struct {
	mu sync.Mutex

	page          *image.RGBA
	defaultWidth  int
	defaultHeight int

	width, height int
	override      bool
	mobile        bool
	url           string
	scrollY       int

	loadDelay time.Duration
	neverLoad bool
	navError  string // errorText for Page.navigate
	fail      map[string]string
	hang      map[string]bool
	calls     []string
}

// New creates a Browser rendering page. The default (un-emulated)
// viewport is the page width by 800 px.
func New(page *image.RGBA) *Browser {
	return &Browser{
		page:          page,
		defaultWidth:  page.Bounds().Dx(),
		defaultHeight: min(800, page.Bounds().Dy()),
		loadDelay:     10 * time.Millisecond,
		fail:          make(map[string]string),
		hang:          make(map[string]bool),
	}
}

// SetLoadDelay sets how long after Page.navigate the load event fires.
func (b *Browser) SetLoadDelay(d time.Duration) {
	b.mu.Lock()
	b.loadDelay = d
	b.mu.Unlock()
}

// NeverLoad suppresses the load event entirely.
func (b *Browser) NeverLoad() {
	b.mu.Lock()
	b.neverLoad = true
	b.mu.Unlock()
}

// SetNavigateError makes Page.navigate report errorText.
func (b *Browser) SetNavigateError(errorText string) {
	b.mu.Lock()
	b.navError = errorText
	b.mu.Unlock()
}

// Fail makes method answer with a protocol error carrying message.
func (b *Browser) Fail(method, message string) {
	b.mu.Lock()
	b.fail[method] = message
	b.mu.Unlock()
}

// Hang makes method never answer.
func (b *Browser) Hang(method string) {
	b.mu.Lock()
	b.hang[method] = true
	b.mu.Unlock()
}

// ScrollTo sets the scroll position used by viewport screenshots.
func (b *Browser) ScrollTo(y int) {
	b.mu.Lock()
	b.scrollY = y
	b.mu.Unlock()
}

// Calls returns the methods received, in order.
func (b *Browser) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

// Viewport returns the current emulated viewport and whether an
// override is active.
func (b *Browser) Viewport() (width, height int, override bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, h := b.viewportLocked()
	return w, h, b.override
}

// URL returns the last navigated URL.
func (b *Browser) URL() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.url
}

func (b *Browser) viewportLocked() (int, int) {
	if b.override {
		return b.width, b.height
	}
	return b.defaultWidth, b.defaultHeight
}

type inbound struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type outbound struct {
	ID     int64          `json:"id,omitempty"`
	Method string         `json:"method,omitempty"`
	Params any            `json:"params,omitempty"`
	Result any            `json:"result,omitempty"`
	Error  map[string]any `json:"error,omitempty"`
}

// handle processes one raw command. emit delivers replies and events;
// it may be called after handle returns (the load event).
func (b *Browser) handle(raw []byte, emit func([]byte)) {
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return
	}

	b.mu.Lock()
	b.calls = append(b.calls, in.Method)
	if b.hang[in.Method] {
		b.mu.Unlock()
		return
	}
	if msg, ok := b.fail[in.Method]; ok {
		b.mu.Unlock()
		emit(mustJSON(outbound{ID: in.ID, Error: map[string]any{"code": -32000, "message": msg}}))
		return
	}

	var (
		result   any = map[string]any{}
		errReply map[string]any
		loadIn   time.Duration = -1
	)

	switch in.Method {
	case "Emulation.setDeviceMetricsOverride":
		var p struct {
			Width  int  `json:"width"`
			Height int  `json:"height"`
			Mobile bool `json:"mobile"`
		}
		_ = json.Unmarshal(in.Params, &p)
		b.width, b.height, b.mobile, b.override = p.Width, p.Height, p.Mobile, true

	case "Emulation.clearDeviceMetricsOverride":
		b.override, b.mobile = false, false

	case "Page.enable":

	case "Page.navigate":
		var p struct {
			URL string `json:"url"`
		}
		_ = json.Unmarshal(in.Params, &p)
		b.url = p.URL
		b.scrollY = 0
		if b.navError != "" {
			result = map[string]any{"frameId": "frame-1", "errorText": b.navError}
			break
		}
		result = map[string]any{"frameId": "frame-1", "loaderId": "loader-1"}
		if !b.neverLoad {
			loadIn = b.loadDelay
		}

	case "Runtime.evaluate":
		w, h := b.viewportLocked()
		dims, _ := json.Marshal(map[string]int{
			"width":          w,
			"height":         h,
			"documentHeight": b.page.Bounds().Dy(),
		})
		result = map[string]any{"result": map[string]any{"type": "string", "value": string(dims)}}

	case "Page.captureScreenshot":
		var p struct {
			Format string `json:"format"`
			Clip   *struct {
				X, Y, Width, Height float64
			} `json:"clip"`
		}
		_ = json.Unmarshal(in.Params, &p)
		data, err := b.screenshotLocked(p.Format, p.Clip != nil, p.Clip)
		if err != nil {
			errReply = map[string]any{"code": -32000, "message": err.Error()}
			break
		}
		result = map[string]any{"data": data}

	default:
		errReply = map[string]any{"code": -32601, "message": fmt.Sprintf("'%s' wasn't found", in.Method)}
	}
	b.mu.Unlock()

	if errReply != nil {
		emit(mustJSON(outbound{ID: in.ID, Error: errReply}))
		return
	}
	emit(mustJSON(outbound{ID: in.ID, Result: result}))

	if loadIn >= 0 {
		time.AfterFunc(loadIn, func() {
			emit(mustJSON(outbound{Method: "Page.loadEventFired", Params: map[string]any{"timestamp": 1.0}}))
		})
	}
}

func (b *Browser) screenshotLocked(format string, clipped bool, clip *struct{ X, Y, Width, Height float64 }) ([]byte, error) {
	w, h := b.viewportLocked()
	y := b.scrollY
	if clipped {
		y, w, h = int(clip.Y), int(clip.Width), int(clip.Height)
	}

	bounds := b.page.Bounds()
	w = min(w, bounds.Dx())
	if y+h > bounds.Dy() {
		h = bounds.Dy() - y
	}
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("empty capture region")
	}

	shot := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(shot, shot.Bounds(), b.page, image.Pt(bounds.Min.X, bounds.Min.Y+y), draw.Src)

	var buf bytes.Buffer
	var err error
	if format == "jpeg" {
		err = jpeg.Encode(&buf, shot, &jpeg.Options{Quality: 90})
	} else {
		err = png.Encode(&buf, shot)
	}
	return buf.Bytes(), err
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
