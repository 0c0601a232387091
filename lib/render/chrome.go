/*
 * Vellum
 * Copyright (C) 2025  Vellum Labs, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package render

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/gravitational/trace"

	"github.com/vellumlabs/vellum"
	"github.com/vellumlabs/vellum/lib/defaults"
	"github.com/vellumlabs/vellum/lib/templates"
)

// ChromeConfig configures the headless Chrome PDF converter.
type ChromeConfig struct {
	// ExecPath overrides the Chrome binary path.
	ExecPath string
	// Timeout bounds a single conversion, browser startup included.
	Timeout time.Duration
	// Logger emits conversion diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ChromeConfig) CheckAndSetDefaults() error {
	if c.Timeout <= 0 {
		c.Timeout = defaults.RenderTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With(vellum.ComponentKey, vellum.ComponentRenderer)
	}
	return nil
}

// ChromeConverter renders HTML to PDF with headless Chrome. The browser
// process is shared, each conversion runs in its own tab.
type ChromeConverter struct {
	cfg      ChromeConfig
	allocCtx context.Context
	cancel   context.CancelFunc
}

var _ Converter = (*ChromeConverter)(nil)

// NewChromeConverter returns a converter backed by a shared headless Chrome.
func NewChromeConverter(cfg ChromeConfig) (*ChromeConverter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts, chromedp.NoSandbox)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &ChromeConverter{cfg: cfg, allocCtx: allocCtx, cancel: cancel}, nil
}

// Close shuts the browser down.
func (c *ChromeConverter) Close() error {
	c.cancel()
	return nil
}

// Convert renders the document to PDF in a fresh tab.
func (c *ChromeConverter) Convert(ctx context.Context, content string, settings templates.PageSettings) ([]byte, error) {
	if content == "" {
		return nil, trace.BadParameter("missing document content")
	}
	start := time.Now()

	tabCtx, cancelTab := chromedp.NewContext(c.allocCtx)
	defer cancelTab()
	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, c.cfg.Timeout)
	defer cancelTimeout()
	// The tab context descends from the allocator, not the caller, so wire
	// the caller's cancellation through.
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	width, height := paperSize(settings.PageSize)
	params := page.PrintToPDF().
		WithPrintBackground(true).
		WithPreferCSSPageSize(true).
		WithPaperWidth(width).
		WithPaperHeight(height).
		WithLandscape(settings.Orientation == "landscape").
		WithMarginTop(cssLengthToInches(settings.Margins.Top)).
		WithMarginRight(cssLengthToInches(settings.Margins.Right)).
		WithMarginBottom(cssLengthToInches(settings.Margins.Bottom)).
		WithMarginLeft(cssLengthToInches(settings.Margins.Left))

	var pdfData []byte
	err := chromedp.Run(tabCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, content).Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			data, _, err := params.Do(ctx)
			if err != nil {
				return err
			}
			pdfData = data
			return nil
		}),
	)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "converting document to PDF")
	}
	c.cfg.Logger.DebugContext(ctx, "Converted document to PDF.",
		"bytes", len(pdfData), "elapsed", time.Since(start))
	return pdfData, nil
}

// defaultMarginInches matches the browser's print default.
const defaultMarginInches = 0.4

// paperSize returns portrait paper dimensions in inches. Unknown sizes fall
// back to A4.
func paperSize(name string) (width, height float64) {
	switch strings.ToLower(name) {
	case "a3":
		return 11.69, 16.54
	case "a5":
		return 5.83, 8.27
	case "letter":
		return 8.5, 11
	case "legal":
		return 8.5, 14
	case "tabloid":
		return 11, 17
	default: // a4
		return 8.27, 11.69
	}
}

// cssLengthToInches converts a CSS length to inches for the print API.
// Unparseable values fall back to the browser default margin.
func cssLengthToInches(length string) float64 {
	s := strings.TrimSpace(strings.ToLower(length))
	if s == "" {
		return defaultMarginInches
	}
	factor := 1.0 / 96 // CSS px per inch
	for _, unit := range []struct {
		suffix string
		factor float64
	}{
		{"mm", 1.0 / 25.4},
		{"cm", 1.0 / 2.54},
		{"in", 1},
		{"pt", 1.0 / 72},
		{"px", 1.0 / 96},
	} {
		if strings.HasSuffix(s, unit.suffix) {
			s = strings.TrimSuffix(s, unit.suffix)
			factor = unit.factor
			break
		}
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || value < 0 {
		return defaultMarginInches
	}
	return value * factor
}
