package main

import (
	"fmt"
	"net/url"

	"github.com/go-rod/rod/lib/launcher"

	"cdpfluent/internal/config"
	"cdpfluent/internal/logger"
)

// browser 本地启动的浏览器，仅在未提供 DevTools 地址时使用
type browser struct {
	l           *launcher.Launcher
	devToolsURL string
}

// launchBrowser 启动本地 Chrome 并返回其 DevTools HTTP 地址
func launchBrowser(cfg *config.Config, log logger.Logger) (*browser, error) {
	bin := cfg.Browser.Bin
	if bin == "" {
		bin, _ = launcher.LookPath()
	}
	l := launcher.New().
		Bin(bin).
		Headless(cfg.Browser.Headless).
		Delete("no-startup-window")

	wsURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	u, err := url.Parse(wsURL)
	if err != nil {
		l.Kill()
		return nil, fmt.Errorf("parse control url %s: %w", wsURL, err)
	}
	b := &browser{l: l, devToolsURL: "http://" + u.Host}
	log.Info("已启动本地浏览器", "devToolsURL", b.devToolsURL, "headless", cfg.Browser.Headless)
	return b, nil
}

func (b *browser) Close() {
	b.l.Kill()
	b.l.Cleanup()
}
