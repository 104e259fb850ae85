// Qrlink — CLI entry point.
//
// This tool establishes a direct P2P WebRTC DataChannel between two
// endpoints using only a pair of compact tokens exchanged out of band
// (rendered as QR codes, read aloud, copy-pasted — anything works). No
// signaling server, no relay, no accounts.
//
// It can be launched interactively (no flags) or non-interactively via
// CLI flags (-role offer|answer).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/pterm/pterm"

	"github.com/1ureka/qrlink/internal/config"
	"github.com/1ureka/qrlink/internal/session"
	"github.com/1ureka/qrlink/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	role := flag.String("role", "", "Role: offer or answer")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Qrlink — v%s", version))
	pterm.Println()

	cfg := config.Config{Role: config.Role(*role), Debug: *debugMode}

	switch cfg.Role {
	case "":
		// No -role flag → interactive mode.
		runInteractive(ctx)

	case config.RoleOffer:
		runOffer(ctx)

	case config.RoleAnswer:
		runAnswer(ctx)

	default:
		util.LogError("invalid -role: must be 'offer' or 'answer'")
		os.Exit(1)
	}

	util.LogInfo("session closed")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive falls back to interactive prompts when no -role flag is
// provided.
func runInteractive(ctx context.Context) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Offer  — Generate the first code", "Answer — Scan a code and reply"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(role, "Offer") {
		runOffer(ctx)
	} else {
		runAnswer(ctx)
	}
}

// runOffer executes the offering side: produce a token, collect the
// peer's answer token, then chat over the channel.
func runOffer(ctx context.Context) {
	ctrl := session.New(nil)
	defer ctrl.Close()
	connected, degraded := watchState(ctrl)

	util.LogInfo("gathering network paths (a few seconds)…")
	offerTok, err := ctrl.CreateOffer(ctx)
	if err != nil {
		util.LogError("failed to create offer: %v", err)
		os.Exit(1)
	}

	printToken("OFFER TOKEN — render as QR and show to the other device", offerTok)

	answerTok := askToken("Paste the answer token from the other device")
	if err := ctrl.AcceptAnswer(answerTok); err != nil {
		util.LogError("failed to accept answer: %v", err)
		os.Exit(1)
	}

	runChat(ctx, ctrl, connected, degraded)
}

// runAnswer executes the answering side: consume the peer's offer token,
// produce a reply token, then chat over the channel.
func runAnswer(ctx context.Context) {
	ctrl := session.New(nil)
	defer ctrl.Close()
	connected, degraded := watchState(ctrl)

	offerTok := askToken("Paste the offer token from the other device")

	util.LogInfo("gathering network paths (a few seconds)…")
	answerTok, err := ctrl.CreateAnswer(ctx, offerTok)
	if err != nil {
		util.LogError("failed to create answer: %v", err)
		os.Exit(1)
	}

	printToken("ANSWER TOKEN — render as QR and show to the other device", answerTok)

	runChat(ctx, ctrl, connected, degraded)
}

// runChat waits for the connection, then forwards stdin lines to the peer
// until EOF, "/quit", degradation, or Ctrl+C.
func runChat(ctx context.Context, ctrl *session.Controller, connected, degraded <-chan struct{}) {
	util.LogInfo("waiting for connection…")
	select {
	case <-connected:
	case <-degraded:
		util.LogError("connection failed — generate a fresh code and retry")
		os.Exit(1)
	case <-ctx.Done():
		return
	}

	util.StartStatsReporter(ctx)
	util.LogSuccess("P2P channel established — type messages, /quit to exit")

	ctrl.OnMessage(func(msg string) {
		pterm.Println(pterm.Cyan("peer> ") + msg)
	})

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok || line == "/quit" {
				return
			}
			if line == "" {
				continue
			}
			if err := ctrl.Send(line); err != nil {
				util.LogWarning("send failed: %v", err)
			}

		case <-degraded:
			util.LogWarning("connection lost — generate a fresh code and retry")
			return

		case <-ctx.Done():
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// watchState turns state transitions into two one-shot signals: connected
// and degraded (Failed or Disconnected).
func watchState(ctrl *session.Controller) (connected, degraded <-chan struct{}) {
	connCh := make(chan struct{})
	degrCh := make(chan struct{})
	var connOnce, degrOnce sync.Once

	ctrl.OnStateChange(func(st session.State) {
		switch st {
		case session.StateConnected:
			connOnce.Do(func() { close(connCh) })
		case session.StateFailed, session.StateDisconnected:
			degrOnce.Do(func() { close(degrCh) })
		}
	})
	return connCh, degrCh
}

// printToken prints a token between rules so it is easy to select whole.
func printToken(title string, tok string) {
	pterm.Println()
	pterm.Println("──── " + title + " ────")
	pterm.Println(tok)
	pterm.Println(strings.Repeat("─", len(title)+10))
	pterm.Println()
}

// askToken prompts until a non-empty token is entered.
func askToken(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		tok := strings.TrimSpace(raw)
		if tok != "" {
			pterm.Println()
			return tok
		}

		util.LogWarning("empty input: please paste the token")
		pterm.Println()
	}
}
