package driver

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	rodinput "github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Selectors identifies the DOM elements the driver interacts with. The
// defaults target the ChatGPT web UI but every selector is configurable so
// the driver survives markup changes without a rebuild.
type Selectors struct {
	Input        string `json:"input" mapstructure:"input"`
	SendButton   string `json:"send_button" mapstructure:"send_button"`
	LastResponse string `json:"last_response" mapstructure:"last_response"`
	StopButton   string `json:"stop_button" mapstructure:"stop_button"`
	LoginWall    string `json:"login_wall" mapstructure:"login_wall"`
	Captcha      string `json:"captcha" mapstructure:"captcha"`
	RateLimit    string `json:"rate_limit" mapstructure:"rate_limit"`
}

// DefaultSelectors returns selectors for the ChatGPT web UI.
func DefaultSelectors() Selectors {
	return Selectors{
		Input:        "#prompt-textarea",
		SendButton:   `button[data-testid="send-button"]`,
		LastResponse: `div[data-message-author-role="assistant"]:last-of-type`,
		StopButton:   `button[data-testid="stop-button"]`,
		LoginWall:    `button[data-testid="login-button"]`,
		Captcha:      `iframe[src*="challenge"]`,
		RateLimit:    `div[class*="rate-limit"]`,
	}
}

// Config holds browser and surface configuration for the ChatGPT driver.
type Config struct {
	ChatURL      string    `json:"chat_url" mapstructure:"chat_url"`
	Headless     bool      `json:"headless" mapstructure:"headless"`
	NoSandbox    bool      `json:"no_sandbox" mapstructure:"no_sandbox"`
	UserDataDir  string    `json:"user_data_dir" mapstructure:"user_data_dir"`
	ChromePath   string    `json:"chrome_path" mapstructure:"chrome_path"`
	PollInterval int       `json:"poll_interval" mapstructure:"poll_interval"` // milliseconds
	StablePolls  int       `json:"stable_polls" mapstructure:"stable_polls"`
	Selectors    Selectors `json:"selectors" mapstructure:"selectors"`
}

// DefaultConfig returns driver defaults.
func DefaultConfig() Config {
	return Config{
		ChatURL:      "https://chatgpt.com/",
		Headless:     true,
		PollInterval: 500,
		StablePolls:  3,
		Selectors:    DefaultSelectors(),
	}
}

// ChatDriver automates a browser-hosted chat surface with rod. Each Handle
// owns one page; all pages share a single Chrome process.
type ChatDriver struct {
	cfg      Config
	logger   zerolog.Logger
	launcher *launcher.Launcher
	browser  *rod.Browser
	pages    map[string]*rod.Page
	mu       sync.Mutex
}

type pageHandle struct {
	id string
}

func (h *pageHandle) ID() string { return h.id }

// NewChatDriver creates a ChatGPT driver. The browser process is launched
// lazily on the first Create call.
func NewChatDriver(cfg Config, logger zerolog.Logger) *ChatDriver {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500
	}
	if cfg.StablePolls <= 0 {
		cfg.StablePolls = 3
	}
	return &ChatDriver{
		cfg:    cfg,
		logger: logger.With().Str("component", "driver").Logger(),
		pages:  make(map[string]*rod.Page),
	}
}

// ensureBrowser launches Chrome and connects over CDP. Must be called with
// the driver lock held.
func (d *ChatDriver) ensureBrowser() error {
	if d.browser != nil {
		return nil
	}

	l := launcher.New().Headless(d.cfg.Headless)
	if d.cfg.NoSandbox {
		l = l.NoSandbox(true)
	}
	if d.cfg.UserDataDir != "" {
		l = l.UserDataDir(d.cfg.UserDataDir)
	}
	if d.cfg.ChromePath != "" {
		l = l.Bin(d.cfg.ChromePath)
	}

	url, err := l.Launch()
	if err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(url)
	if err := browser.Connect(); err != nil {
		l.Cleanup()
		return fmt.Errorf("failed to connect to browser: %w", err)
	}

	d.launcher = l
	d.browser = browser
	d.logger.Info().Bool("headless", d.cfg.Headless).Msg("Browser launched")

	return nil
}

// Create opens a new page on the chat surface and returns its handle.
func (d *ChatDriver) Create(ctx context.Context) (Handle, error) {
	d.mu.Lock()
	if err := d.ensureBrowser(); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	browser := d.browser
	d.mu.Unlock()

	page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{URL: d.cfg.ChatURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		page.Close()
		return nil, fmt.Errorf("page load failed: %w", err)
	}

	id, err := gonanoid.New()
	if err != nil {
		page.Close()
		return nil, err
	}

	d.mu.Lock()
	d.pages[id] = page
	d.mu.Unlock()

	d.logger.Debug().Str("handle", id).Msg("Surface created")

	return &pageHandle{id: id}, nil
}

// Destroy closes the page behind a handle.
func (d *ChatDriver) Destroy(ctx context.Context, h Handle) error {
	d.mu.Lock()
	page, exists := d.pages[h.ID()]
	if exists {
		delete(d.pages, h.ID())
	}
	d.mu.Unlock()

	if !exists {
		return ErrHandleNotFound
	}

	if err := page.Close(); err != nil {
		return fmt.Errorf("failed to close page: %w", err)
	}

	d.logger.Debug().Str("handle", h.ID()).Msg("Surface destroyed")

	return nil
}

func (d *ChatDriver) page(h Handle) (*rod.Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	page, exists := d.pages[h.ID()]
	if !exists {
		return nil, ErrHandleNotFound
	}
	return page, nil
}

// Inject types a prompt into the composer and submits it. Bounded by the
// context deadline; a slow or broken page fails here rather than hanging.
func (d *ChatDriver) Inject(ctx context.Context, h Handle, text string) error {
	page, err := d.page(h)
	if err != nil {
		return err
	}
	page = page.Context(ctx)

	input, err := page.Element(d.cfg.Selectors.Input)
	if err != nil {
		return fmt.Errorf("composer not found: %w", err)
	}
	if err := input.Input(text); err != nil {
		return fmt.Errorf("failed to type prompt: %w", err)
	}

	send, err := page.Element(d.cfg.Selectors.SendButton)
	if err != nil {
		// Some surfaces submit on Enter without a dedicated button.
		if typeErr := input.Type(rodinput.Enter); typeErr == nil {
			return nil
		}
		return fmt.Errorf("send button not found: %w", err)
	}
	if err := send.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("failed to submit prompt: %w", err)
	}

	return nil
}

// Extract polls the newest assistant message until streaming settles or the
// context deadline expires. Cancellation is propagated: once ctx is done the
// poll loop stops and the partial text is returned with an error.
func (d *ChatDriver) Extract(ctx context.Context, h Handle, timeout time.Duration) (*ExtractResult, error) {
	page, err := d.page(h)
	if err != nil {
		return nil, err
	}
	page = page.Context(ctx)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
		page = page.Context(ctx)
	}

	tracker := newCompletionTracker(d.cfg.StablePolls)
	ticker := time.NewTicker(time.Duration(d.cfg.PollInterval) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return &ExtractResult{Success: false, Text: tracker.Text(), Complete: false},
				fmt.Errorf("extraction timed out: %w", ctx.Err())
		case <-ticker.C:
			text := d.readResponse(page)
			generating := d.elementVisible(page, d.cfg.Selectors.StopButton)
			if tracker.Observe(text, generating) {
				return &ExtractResult{Success: true, Text: tracker.Text(), Complete: true}, nil
			}
		}
	}
}

// readResponse returns the text of the newest assistant message, or "" when
// none is rendered yet.
func (d *ChatDriver) readResponse(page *rod.Page) string {
	result, err := page.Eval(fmt.Sprintf(`() => {
		const el = document.querySelector(%q);
		return el ? el.innerText : '';
	}`, d.cfg.Selectors.LastResponse))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(result.Value.String())
}

func (d *ChatDriver) elementVisible(page *rod.Page, selector string) bool {
	if selector == "" {
		return false
	}
	result, err := page.Eval(fmt.Sprintf(`() => document.querySelector(%q) !== null`, selector))
	if err != nil {
		return false
	}
	return result.Value.Bool()
}

// Probe inspects the surface for blocking overlays and composer availability.
func (d *ChatDriver) Probe(ctx context.Context, h Handle) (*ProbeResult, error) {
	page, err := d.page(h)
	if err != nil {
		return nil, err
	}
	page = page.Context(ctx)

	result := &ProbeResult{}

	if d.elementVisible(page, d.cfg.Selectors.LoginWall) {
		result.Issues = append(result.Issues, "login required")
	}
	if d.elementVisible(page, d.cfg.Selectors.Captcha) {
		result.Issues = append(result.Issues, "captcha challenge")
	}
	if d.elementVisible(page, d.cfg.Selectors.RateLimit) {
		result.Issues = append(result.Issues, "rate limited")
	}

	result.CanSendMessage = d.elementVisible(page, d.cfg.Selectors.Input)
	result.Healthy = result.CanSendMessage && len(result.Issues) == 0

	return result, nil
}

// Nudge reloads the page, the cheapest recovery primitive the surface offers.
func (d *ChatDriver) Nudge(ctx context.Context, h Handle) error {
	page, err := d.page(h)
	if err != nil {
		return err
	}
	page = page.Context(ctx)

	if err := page.Reload(); err != nil {
		return fmt.Errorf("reload failed: %w", err)
	}
	return page.WaitLoad()
}

// Close shuts down the browser process and all pages.
func (d *ChatDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, page := range d.pages {
		page.Close()
		delete(d.pages, id)
	}

	if d.browser != nil {
		if err := d.browser.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("Browser close failed")
		}
		d.browser = nil
	}
	if d.launcher != nil {
		d.launcher.Cleanup()
		d.launcher = nil
	}

	return nil
}
