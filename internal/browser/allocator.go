package browser

import (
	"fmt"
	"strings"

	"github.com/chromedp/chromedp"
	"github.com/xkilldash9x/forumcrawl/internal/config"
)

// flag is one Chrome command line switch.
type flag struct {
	name  string
	value interface{}
}

// allocatorFlags lists the switches layered over chromedp's defaults. The
// blink feature switch removes navigator.webdriver and the automation banner
// that challenge scripts look for.
func allocatorFlags(cfg config.BrowserConfig) []flag {
	flags := []flag{
		{"headless", cfg.Headless},
		{"disable-blink-features", "AutomationControlled"},
		{"enable-automation", false},
		{"no-sandbox", true},
		{"disable-dev-shm-usage", true},
		{"disable-infobars", true},
	}
	if cfg.Viewport.Width > 0 && cfg.Viewport.Height > 0 {
		flags = append(flags, flag{"window-size", fmt.Sprintf("%d,%d", cfg.Viewport.Width, cfg.Viewport.Height)})
	}
	if cfg.UserAgent != "" {
		flags = append(flags, flag{"user-agent", cfg.UserAgent})
	}
	if cfg.Locale != "" {
		flags = append(flags, flag{"lang", cfg.Locale})
	}
	if cfg.IgnoreTLSErrors {
		flags = append(flags, flag{"ignore-certificate-errors", true})
	}
	for _, arg := range cfg.Args {
		if f, ok := parseArg(arg); ok {
			flags = append(flags, f)
		}
	}
	return flags
}

// parseArg turns "--name=value" or "--name" into a flag.
func parseArg(arg string) (flag, bool) {
	arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
	if arg == "" {
		return flag{}, false
	}
	if name, value, ok := strings.Cut(arg, "="); ok {
		return flag{name, value}, true
	}
	return flag{arg, true}, true
}

// DefaultAllocatorOptions returns chromedp's defaults with the configured
// switches applied on top.
func DefaultAllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	for _, f := range allocatorFlags(cfg) {
		opts = append(opts, chromedp.Flag(f.name, f.value))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}
