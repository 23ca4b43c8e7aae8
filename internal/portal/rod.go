package portal

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// Selectors of the registry pages, all inside the "Main" frame.
const (
	selFrame      = `frame[name="Main"]`
	selCaptcha    = "img"
	selFundField  = `input[name="txtCNPJNome"]`
	selCodeField  = `input[name="numRandom"]`
	selContinue   = `input[name="btnContinuar"]`
	selLoginError = "span#lblMsg"
	selNewCaptcha = "a#lkNovoRandom"
	selTablesLink = "a#Hyperlink2"
	selMonths     = "select#ddComptc"
	selDailyTable = "table#dgDocDiario"
)

const (
	DefaultPageTimeout = 30 * time.Second
	// fundWait is how long a submitted login may take to show the fund.
	fundWait = 20 * time.Second
)

type BrowserConfig struct {
	URL      string
	Headless bool
	// Proxy is handed to Chrome as --proxy-server.
	Proxy       string
	PageTimeout time.Duration
	Logger      *zap.Logger
}

// Browser is a Chrome instance started through the rod launcher.
type Browser struct {
	cfg      BrowserConfig
	launcher *launcher.Launcher
	browser  *rod.Browser
	log      *zap.Logger
}

func NewBrowser(ctx context.Context, cfg BrowserConfig) (*Browser, error) {
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = DefaultPageTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	l := launcher.New().Context(ctx).Headless(cfg.Headless).NoSandbox(true)
	if cfg.Proxy != "" {
		l = l.Proxy(cfg.Proxy)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chrome: %w", err)
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	log.Debug("browser started", zap.Bool("headless", cfg.Headless), zap.String("proxy", cfg.Proxy))
	return &Browser{cfg: cfg, launcher: l, browser: b, log: log}, nil
}

// NewPage opens the registry in a new tab and waits for the login frame.
func (b *Browser) NewPage(ctx context.Context) (*RodPage, error) {
	page, err := b.browser.Page(proto.TargetCreateTarget{URL: b.cfg.URL})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", b.cfg.URL, err)
	}
	p := page.Context(ctx).Timeout(b.cfg.PageTimeout)
	if err := p.WaitLoad(); err != nil {
		page.Close()
		return nil, fmt.Errorf("load %s: %w", b.cfg.URL, err)
	}
	el, err := p.Element(selFrame)
	if err != nil {
		page.Close()
		return nil, fmt.Errorf("find main frame: %w", err)
	}
	frame, err := el.Frame()
	if err != nil {
		page.Close()
		return nil, fmt.Errorf("enter main frame: %w", err)
	}
	b.log.Debug("registry page ready", zap.String("url", b.cfg.URL))
	return &RodPage{page: page, frame: frame, timeout: b.cfg.PageTimeout}, nil
}

func (b *Browser) Close() error {
	err := b.browser.Close()
	b.launcher.Kill()
	return err
}

// RodPage implements Page and the fund navigation steps on a live tab.
type RodPage struct {
	page    *rod.Page
	frame   *rod.Page
	timeout time.Duration
}

func (r *RodPage) scope(ctx context.Context) *rod.Page {
	return r.frame.Context(ctx).Timeout(r.timeout)
}

func (r *RodPage) click(ctx context.Context, selector string) error {
	f := r.scope(ctx)
	el, err := f.Element(selector)
	if err != nil {
		return fmt.Errorf("find %s: %w", selector, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return f.WaitLoad()
}

func (r *RodPage) fill(ctx context.Context, selector, text string) error {
	el, err := r.scope(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("find %s: %w", selector, err)
	}
	if err := el.SelectAllText(); err != nil {
		return err
	}
	return el.Input(text)
}

// CaptchaPNG screenshots the captcha image element.
func (r *RodPage) CaptchaPNG(ctx context.Context) ([]byte, error) {
	el, err := r.scope(ctx).Element(selCaptcha)
	if err != nil {
		return nil, fmt.Errorf("find captcha: %w", err)
	}
	return el.Screenshot(proto.PageCaptureScreenshotFormatPng, 0)
}

func (r *RodPage) RequestNewCaptcha(ctx context.Context) error {
	return r.click(ctx, selNewCaptcha)
}

func (r *RodPage) SubmitLogin(ctx context.Context, fundID, code string) error {
	if err := r.fill(ctx, selFundField, fundID); err != nil {
		return err
	}
	if err := r.fill(ctx, selCodeField, code); err != nil {
		return err
	}
	return r.click(ctx, selContinue)
}

// FundVisible waits for a link naming the fund. A timeout means the login was
// refused.
func (r *RodPage) FundVisible(ctx context.Context, fundID string) (bool, error) {
	_, err := r.frame.Context(ctx).Timeout(fundWait).ElementR("a", regexp.QuoteMeta(fundID))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return false, nil
	default:
		return false, err
	}
}

// LoginError returns the message the portal shows after a refused login.
func (r *RodPage) LoginError(ctx context.Context) string {
	el, err := r.frame.Context(ctx).Timeout(time.Second).Element(selLoginError)
	if err != nil {
		return ""
	}
	text, _ := el.Text()
	return strings.TrimSpace(text)
}

func (r *RodPage) OpenFund(ctx context.Context, fundID string) error {
	f := r.scope(ctx)
	el, err := f.ElementR("a", regexp.QuoteMeta(fundID))
	if err != nil {
		return fmt.Errorf("find fund %s: %w", fundID, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("open fund %s: %w", fundID, err)
	}
	return f.WaitLoad()
}

func (r *RodPage) OpenTables(ctx context.Context) error {
	return r.click(ctx, selTablesLink)
}

// Months lists the report months on offer, most recent first.
func (r *RodPage) Months(ctx context.Context) ([]string, error) {
	opts, err := r.scope(ctx).Elements(selMonths + " option")
	if err != nil {
		return nil, fmt.Errorf("list months: %w", err)
	}
	var months []string
	for _, o := range opts {
		text, err := o.Text()
		if err != nil {
			return nil, err
		}
		if text = strings.TrimSpace(text); text != "" {
			months = append(months, text)
		}
	}
	return months, nil
}

func (r *RodPage) PickMonth(ctx context.Context, month string) error {
	f := r.scope(ctx)
	el, err := f.Element(selMonths)
	if err != nil {
		return fmt.Errorf("find month picker: %w", err)
	}
	if err := el.Select([]string{month}, true, rod.SelectorTypeText); err != nil {
		return fmt.Errorf("pick %s: %w", month, err)
	}
	return f.WaitLoad()
}

// TableHTML returns the daily report table markup.
func (r *RodPage) TableHTML(ctx context.Context) (string, error) {
	el, err := r.scope(ctx).Element(selDailyTable)
	if err != nil {
		return "", fmt.Errorf("find daily table: %w", err)
	}
	return el.HTML()
}

func (r *RodPage) Close() error {
	return r.page.Close()
}
