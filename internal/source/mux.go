// Package source opens camera sources for capture sessions. Sources are chosen
// by URL scheme: dir:// watches a directory of JPEG files, cv:// uses OpenCV
// when built with the gocv tag, and anything else is read through ffmpeg.
package source

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"camrelay/internal/relay"
)

// ErrNoOpener is returned by Mux.Open when no opener serves the URL.
var ErrNoOpener = errors.New("no opener for source url")

// platformOpeners holds openers compiled in behind build tags, keyed by scheme.
var platformOpeners = map[string]func(log *slog.Logger) relay.Opener{}

// Mux dispatches Open to an Opener chosen by the URL scheme.
type Mux struct {
	schemes  map[string]relay.Opener
	fallback relay.Opener
	log      *slog.Logger
}

// NewMux returns a Mux that sends URLs with no registered scheme to fallback.
// fallback may be nil.
func NewMux(fallback relay.Opener, log *slog.Logger) *Mux {
	return &Mux{schemes: make(map[string]relay.Opener), fallback: fallback, log: log}
}

// NewDefaultMux wires every built-in opener: ffmpeg as the fallback, dir://
// and any platform openers enabled by build tags.
func NewDefaultMux(ffmpegPath string, log *slog.Logger) *Mux {
	m := NewMux(NewFFmpegOpener(ffmpegPath, log), log)
	m.Handle("dir", NewDirOpener(log))
	for scheme, open := range platformOpeners {
		m.Handle(scheme, open(log))
	}
	return m
}

// Handle routes URLs with the given scheme to o.
func (m *Mux) Handle(scheme string, o relay.Opener) {
	m.schemes[strings.ToLower(scheme)] = o
}

// Open implements relay.Opener.
func (m *Mux) Open(ctx context.Context, url string) (relay.Source, error) {
	scheme := Scheme(url)
	o, ok := m.schemes[scheme]
	if !ok {
		o = m.fallback
	}
	if o == nil {
		return nil, ErrNoOpener
	}
	m.log.Debug("opening source", slog.String("cam_url", url), slog.String("scheme", scheme))
	return o.Open(ctx, url)
}

// Scheme returns the lower-cased scheme of url, or "" when it has none.
func Scheme(url string) string {
	scheme, _, ok := strings.Cut(url, "://")
	if !ok {
		return ""
	}
	return strings.ToLower(scheme)
}
