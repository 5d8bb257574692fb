package browser

import (
	"testing"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"

	"github.com/xkilldash9x/formprobe/internal/config"
)

func TestAllocatorFlags(t *testing.T) {
	t.Run("DefaultConfig", func(t *testing.T) {
		flags := allocatorFlags(config.BrowserConfig{Headless: true})
		assert.Equal(t, true, flags["no-sandbox"])
		assert.Equal(t, true, flags["disable-dev-shm-usage"])
		assert.NotContains(t, flags, "headless", "headless comes from the chromedp defaults")
	})

	t.Run("HeadlessDisabled", func(t *testing.T) {
		flags := allocatorFlags(config.BrowserConfig{Headless: false})
		assert.Equal(t, false, flags["headless"])
		assert.Equal(t, false, flags["hide-scrollbars"])
	})

	t.Run("CacheDisabled", func(t *testing.T) {
		flags := allocatorFlags(config.BrowserConfig{Headless: true, DisableCache: true})
		assert.Equal(t, "0", flags["disk-cache-size"])
		assert.Equal(t, "0", flags["media-cache-size"])
		assert.Equal(t, true, flags["disable-cache"])
	})

	t.Run("IgnoreTLSErrors", func(t *testing.T) {
		flags := allocatorFlags(config.BrowserConfig{Headless: true, IgnoreTLSErrors: true})
		assert.Equal(t, true, flags["ignore-certificate-errors"])
		assert.Equal(t, true, flags["allow-insecure-localhost"])
	})

	t.Run("WithCustomArgs", func(t *testing.T) {
		flags := allocatorFlags(config.BrowserConfig{
			Headless: true,
			Args:     []string{"--custom-arg1", "custom-arg2", "--lang=en-US", " ", "--"},
		})
		assert.Equal(t, true, flags["custom-arg1"])
		assert.Equal(t, true, flags["custom-arg2"])
		assert.Equal(t, "en-US", flags["lang"])
		assert.NotContains(t, flags, "")
	})

	t.Run("WithViewport", func(t *testing.T) {
		flags := allocatorFlags(config.BrowserConfig{
			Headless: true,
			Viewport: map[string]int{"width": 1920, "height": 1080},
		})
		assert.Equal(t, "1920,1080", flags["window-size"])

		flags = allocatorFlags(config.BrowserConfig{Headless: true, Viewport: map[string]int{"width": 1920}})
		assert.NotContains(t, flags, "window-size", "a partial viewport is ignored")
	})
}

func TestDefaultAllocatorOptions(t *testing.T) {
	cfg := config.BrowserConfig{Headless: true, DisableCache: true}
	opts := DefaultAllocatorOptions(cfg)
	assert.Len(t, opts, len(chromedp.DefaultExecAllocatorOptions)+len(allocatorFlags(cfg)))
}

func TestViewportSize(t *testing.T) {
	w, h := viewportSize(config.BrowserConfig{})
	assert.Equal(t, int64(1366), w)
	assert.Equal(t, int64(900), h)

	w, h = viewportSize(config.BrowserConfig{Viewport: map[string]int{"width": 800, "height": 600}})
	assert.Equal(t, int64(800), w)
	assert.Equal(t, int64(600), h)
}
