package loader

import (
	"plugin"

	"github.com/pkg/errors"
)

// Library is an opened code unit.
type Library interface {
	Lookup(symbol string) (any, error)
	// Close releases the unit once nothing references it.
	Close() error
}

// Opener maps a code unit into the process. It is the only place foreign code
// enters; everything past it works on checked Go values.
type Opener interface {
	Open(path string) (Library, error)
}

// PluginOpener opens units built with -buildmode=plugin.
//
// The Go runtime caches plugins by path and never unmaps them, so a reload must
// open a copy at a fresh path (see Watcher) and Close only drops our reference.
// Units must also be built with a distinct -pluginpath per build, or the
// runtime refuses the second copy as already loaded.
type PluginOpener struct{}

func (PluginOpener) Open(path string) (Library, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open plugin %s", path)
	}
	return &pluginLibrary{p: p}, nil
}

type pluginLibrary struct {
	p *plugin.Plugin
}

func (l *pluginLibrary) Lookup(symbol string) (any, error) {
	sym, err := l.p.Lookup(symbol)
	if err != nil {
		return nil, err
	}
	return sym, nil
}

func (l *pluginLibrary) Close() error {
	l.p = nil
	return nil
}
