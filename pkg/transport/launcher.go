package transport

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"

	"github.com/skip2/go-qrcode"
)

// Launcher hands a deep link to whatever can open it.
type Launcher interface {
	Launch(ctx context.Context, uri string) error
}

type LauncherFunc func(ctx context.Context, uri string) error

func (f LauncherFunc) Launch(ctx context.Context, uri string) error { return f(ctx, uri) }

// QRLauncher renders the link as a QR code for a phone to scan. The code is
// printed to Out as text and, when PNGPath is set, written as a PNG.
type QRLauncher struct {
	Out     io.Writer
	PNGPath string
	Size    int
}

func (l QRLauncher) Launch(_ context.Context, uri string) error {
	q, err := qrcode.New(uri, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("failed to encode qr code: %w", err)
	}

	if l.PNGPath != "" {
		size := l.Size
		if size == 0 {
			size = 256
		}
		if err := q.WriteFile(size, l.PNGPath); err != nil {
			return fmt.Errorf("failed to write qr code: %w", err)
		}
	}

	if l.Out != nil {
		if _, err := io.WriteString(l.Out, RenderQR(q.Bitmap())); err != nil {
			return err
		}
		if _, err := fmt.Fprintln(l.Out, uri); err != nil {
			return err
		}
	}
	return nil
}

// QRPNG encodes uri as a PNG QR code.
func QRPNG(uri string, size int) ([]byte, error) {
	return qrcode.Encode(uri, qrcode.Medium, size)
}

// RenderQR draws a QR bitmap with two terminal rows per line using half
// blocks.
func RenderQR(bitmap [][]bool) string {
	var sb strings.Builder
	for y := 0; y < len(bitmap); y += 2 {
		for x := range bitmap[y] {
			top := bitmap[y][x]
			bottom := y+1 < len(bitmap) && bitmap[y+1][x]
			switch {
			case top && bottom:
				sb.WriteString("█")
			case top:
				sb.WriteString("▀")
			case bottom:
				sb.WriteString("▄")
			default:
				sb.WriteString(" ")
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// ExecLauncher opens the link with the operating system's URL handler.
type ExecLauncher struct{}

func (ExecLauncher) Launch(ctx context.Context, uri string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", uri)
	case "windows":
		cmd = exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", uri)
	default:
		cmd = exec.CommandContext(ctx, "xdg-open", uri)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to open link: %w", err)
	}
	go cmd.Wait() //nolint:errcheck
	return nil
}
