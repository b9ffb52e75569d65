package config

import "sync/atomic"

// Flags holds the process-wide knobs that admin endpoints mutate while
// requests read them. Strict consistency with concurrent requests is not
// required; atomic loads are sufficient.
type Flags struct {
	streamingFake   atomic.Bool
	forceThinking   atomic.Bool
	forceWebSearch  atomic.Bool
	forceURLContext atomic.Bool
}

// NewFlags seeds the mutable flag cells from the loaded configuration.
func NewFlags(cfg *Config) *Flags {
	f := &Flags{}
	f.streamingFake.Store(cfg.StreamingMode == StreamingModeFake)
	f.forceThinking.Store(cfg.ForceThinking)
	f.forceWebSearch.Store(cfg.ForceWebSearch)
	f.forceURLContext.Store(cfg.ForceURLContext)
	return f
}

// StreamingMode returns the current streaming mode string.
func (f *Flags) StreamingMode() string {
	if f.streamingFake.Load() {
		return StreamingModeFake
	}
	return StreamingModeReal
}

// SetStreamingMode updates the streaming mode. Unknown values are ignored.
func (f *Flags) SetStreamingMode(mode string) {
	switch mode {
	case StreamingModeReal:
		f.streamingFake.Store(false)
	case StreamingModeFake:
		f.streamingFake.Store(true)
	}
}

// ForceThinking reports whether thinking injection is enabled.
func (f *Flags) ForceThinking() bool { return f.forceThinking.Load() }

// SetForceThinking updates the thinking injection flag.
func (f *Flags) SetForceThinking(v bool) { f.forceThinking.Store(v) }

// ForceWebSearch reports whether the googleSearch tool is appended to requests.
func (f *Flags) ForceWebSearch() bool { return f.forceWebSearch.Load() }

// SetForceWebSearch updates the web-search injection flag.
func (f *Flags) SetForceWebSearch(v bool) { f.forceWebSearch.Store(v) }

// ForceURLContext reports whether the urlContext tool is appended to requests.
func (f *Flags) ForceURLContext() bool { return f.forceURLContext.Load() }

// SetForceURLContext updates the url-context injection flag.
func (f *Flags) SetForceURLContext(v bool) { f.forceURLContext.Store(v) }
