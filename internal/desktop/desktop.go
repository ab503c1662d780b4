// Package desktop talks to the user's desktop session: the default browser
// and the system clipboard.
package desktop

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cli/browser"
	"golang.design/x/clipboard"
)

var ErrEmptyLink = errors.New("desktop: empty link")

type Browser interface {
	Open(link string) error
}

type Clipboard interface {
	Copy(value string) error
}

// SystemBrowser opens links with the platform's default browser.
type SystemBrowser struct{}

func (SystemBrowser) Open(link string) error {
	link = strings.TrimSpace(link)
	if link == "" {
		return ErrEmptyLink
	}
	if err := browser.OpenURL(link); err != nil {
		return fmt.Errorf("desktop: open %s: %w", link, err)
	}
	return nil
}

// SystemClipboard writes text to the OS clipboard. Init runs once; a
// headless machine without a display reports the init error on every call.
type SystemClipboard struct {
	once    sync.Once
	initErr error
}

func (c *SystemClipboard) Copy(value string) error {
	c.once.Do(func() { c.initErr = clipboard.Init() })
	if c.initErr != nil {
		return fmt.Errorf("desktop: clipboard unavailable: %w", c.initErr)
	}
	clipboard.Write(clipboard.FmtText, []byte(value))
	return nil
}
