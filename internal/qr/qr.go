package qr

import (
	"errors"
	"io"
	"strings"

	"github.com/mdp/qrterminal/v3"
)

var ErrEmpty = errors.New("qr: nothing to encode")

// Render prints link as a terminal QR code. Compact output packs two rows
// per line with half-block characters.
func Render(w io.Writer, link string, compact bool) error {
	link = strings.TrimSpace(link)
	if link == "" {
		return ErrEmpty
	}
	cfg := qrterminal.Config{
		Level:     qrterminal.L,
		Writer:    w,
		BlackChar: qrterminal.BLACK,
		WhiteChar: qrterminal.WHITE,
		QuietZone: 1,
	}
	if compact {
		cfg.HalfBlocks = true
		cfg.BlackChar = qrterminal.BLACK_BLACK
		cfg.WhiteChar = qrterminal.WHITE_WHITE
		cfg.BlackWhiteChar = qrterminal.BLACK_WHITE
		cfg.WhiteBlackChar = qrterminal.WHITE_BLACK
	}
	qrterminal.GenerateWithConfig(link, cfg)
	return nil
}
