package export

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/joelkehle/survey-planner/internal/survey"
)

const renderTimeout = 30 * time.Second

// A4, in inches.
const (
	paperWidth   = 8.27
	paperHeight  = 11.69
	marginTop    = 0.5
	marginBottom = 0.6
	marginSide   = 0.5
	marginLeft   = 0.7
)

const pageFooter = `<div style="width:100%;font-size:8px;color:#777;padding:0 0.5in;display:flex;justify-content:space-between;">` +
	`<span class="title"></span><span><span class="pageNumber"></span> / <span class="totalPages"></span></span></div>`

var chromeCandidates = []string{
	"/usr/bin/chromium-browser",
	"/usr/bin/chromium",
	"/usr/bin/google-chrome",
	"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
}

// PDFRenderer prints the HTML preview through a headless Chromium.
type PDFRenderer struct {
	chromePath string
}

// NewPDFRenderer uses chromePath, or the first Chromium found on the usual
// paths when it is empty.
func NewPDFRenderer(chromePath string) *PDFRenderer {
	if chromePath == "" {
		chromePath = DetectChromePath()
	}
	return &PDFRenderer{chromePath: chromePath}
}

func (r *PDFRenderer) Render(ctx context.Context, name string, st survey.Structure) ([]byte, error) {
	doc, err := HTML(name, st)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, renderTimeout)
	defer cancel()
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, r.allocatorOptions()...)
	defer allocCancel()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	var out []byte
	err = chromedp.Run(browserCtx,
		chromedp.Navigate("data:text/html;base64,"+base64.StdEncoding.EncodeToString([]byte(doc))),
		chromedp.WaitReady("body", chromedp.ByQuery),
		printToPDF(&out),
	)
	if err != nil {
		return nil, fmt.Errorf("print survey pdf: %w", err)
	}
	return out, nil
}

func (r *PDFRenderer) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if r.chromePath != "" {
		opts = append(opts, chromedp.ExecPath(r.chromePath))
	}
	return opts
}

func printToPDF(dst *[]byte) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		buf, _, err := page.PrintToPDF().
			WithPrintBackground(true).
			WithPreferCSSPageSize(false).
			WithDisplayHeaderFooter(true).
			WithHeaderTemplate(`<span></span>`).
			WithFooterTemplate(pageFooter).
			WithPaperWidth(paperWidth).
			WithPaperHeight(paperHeight).
			WithMarginTop(marginTop).
			WithMarginBottom(marginBottom).
			WithMarginLeft(marginLeft).
			WithMarginRight(marginSide).
			Do(ctx)
		if err != nil {
			return err
		}
		*dst = buf
		return nil
	})
}

// DetectChromePath returns the first Chromium binary present, or "".
func DetectChromePath() string {
	for _, p := range chromeCandidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
