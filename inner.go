package imageloader

import (
	"github.com/Skryldev/image-loader/core"
	"github.com/Skryldev/image-loader/decode"
)

// Inner exposes the underlying core.Processor for advanced use cases.
func (l *Loader) Inner() *core.Processor { return l.inner }

// Engine exposes the decode engine, e.g. to insert a custom strategy.
func (l *Loader) Engine() *decode.Engine { return l.engine }
