// Package explorer contains the Datastar SSE handlers behind the map viewer.
package explorer

import (
	"github.com/joeblew999/mainstem-explorer/internal/humastar"
	"github.com/joeblew999/mainstem-explorer/internal/viewer"
)

// ApplyFunc is the browser function that replays map commands.
const ApplyFunc = "window.mainstems.apply"

// send writes one session update to the stream.
func send(sse humastar.SSE, u viewer.Update) error {
	switch {
	case u.Command != nil:
		return sse.Call(ApplyFunc, u.Command)
	case u.Signals != nil:
		return sse.Signals(u.Signals)
	case u.Selector != "":
		return sse.Replace(u.HTML, u.Selector)
	}
	return nil
}
