// p2pchan: CLI entry point.
//
// Two peers exchange descriptions by copy and paste, then chat over a
// direct encrypted channel. No server is involved apart from the optional
// STUN/TURN servers used to discover addresses. The hello mode runs both
// peers in this process.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (--mode, --config, --echo, --stats).
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/p2pchan/internal/config"
	"github.com/1ureka/p2pchan/internal/protocol"
	"github.com/1ureka/p2pchan/internal/util"
	"github.com/1ureka/p2pchan/peer"
)

var version = "dev"

type sessionOptions struct {
	echo       bool
	statsEvery time.Duration
}

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	mode := pflag.StringP("mode", "m", "", "Mode: offer, answer or hello")
	configPath := pflag.StringP("config", "c", "", "YAML configuration file")
	echo := pflag.Bool("echo", false, "Send every received message back")
	statsEvery := pflag.Duration("stats", 5*time.Second, "Throughput report interval, 0 disables it")
	debugMode := pflag.Bool("debug", false, "Enable debug logging")
	pflag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("p2pchan v%s", version))
	pterm.Println()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogDebug("config: %s", cfg)

	if *mode == "" {
		*mode = askMode()
	}

	opts := sessionOptions{echo: *echo, statsEvery: *statsEvery}

	switch *mode {
	case "offer":
		err = runOffer(ctx, cfg, opts)
	case "answer":
		err = runAnswer(ctx, cfg, opts)
	case "hello":
		err = runHello(ctx, cfg)
	default:
		util.LogError("invalid --mode: must be 'offer', 'answer' or 'hello'")
		os.Exit(1)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("connection closed")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runOffer creates the offer, waits for the pasted answer and starts a chat.
func runOffer(ctx context.Context, cfg config.Config, opts sessionOptions) error {
	cfg.Role = config.RoleOffer
	p, err := peer.New(cfg)
	if err != nil {
		return fmt.Errorf("create peer: %w", err)
	}
	defer p.Close()

	desc, err := p.LocalDescription(ctx)
	if err != nil {
		return fmt.Errorf("gather: %w", err)
	}
	showDescription("Offer: send this to the other side", desc)

	for {
		answer := askDescription("Paste the answer")
		err := p.ApplyRemoteDescription(answer)
		if err == nil {
			break
		}
		if !errors.Is(err, peer.ErrInvalidDescription) {
			return err
		}
		util.LogWarning("%v", err)
	}

	return session(ctx, p, opts)
}

// runAnswer reads the pasted offer, prints the answer and starts a chat.
func runAnswer(ctx context.Context, cfg config.Config, opts sessionOptions) error {
	var p *peer.Peer
	for {
		offer := askDescription("Paste the offer")
		var err error
		p, err = peer.Accept(cfg, offer)
		if err == nil {
			break
		}
		if !errors.Is(err, peer.ErrInvalidDescription) {
			return fmt.Errorf("create peer: %w", err)
		}
		util.LogWarning("%v", err)
	}
	defer p.Close()

	desc, err := p.LocalDescription(ctx)
	if err != nil {
		return fmt.Errorf("gather: %w", err)
	}
	showDescription("Answer: send this back", desc)

	return session(ctx, p, opts)
}

// runHello connects two peers inside this process and sends one message.
func runHello(ctx context.Context, cfg config.Config) error {
	cfg.IncludeLoopback = true

	cfg.Role = config.RoleOffer
	p1, err := peer.New(cfg)
	if err != nil {
		return err
	}
	defer p1.Close()

	offer, err := p1.LocalDescription(ctx)
	if err != nil {
		return err
	}
	p2, err := peer.Accept(cfg, offer)
	if err != nil {
		return err
	}
	defer p2.Close()

	answer, err := p2.LocalDescription(ctx)
	if err != nil {
		return err
	}
	if err := p1.ApplyRemoteDescription(answer); err != nil {
		return err
	}

	if err := p1.Wait(ctx); err != nil {
		return err
	}
	if err := p2.Wait(ctx); err != nil {
		return err
	}

	if err := p1.Send([]byte("hello world")); err != nil {
		return err
	}

	select {
	case <-p2.Readable():
	case <-time.After(5 * time.Second):
		return errors.New("no message within 5s")
	case <-ctx.Done():
		return ctx.Err()
	}
	msg, _ := p2.Receive()
	util.LogSuccess("received %q", msg)
	return nil
}

// session waits for the connection, then sends stdin lines and prints
// received messages until the channel closes or ctx is cancelled.
func session(ctx context.Context, p *peer.Peer, opts sessionOptions) error {
	spinner, _ := pterm.DefaultSpinner.Start("Connecting...")
	if err := p.Wait(ctx); err != nil {
		spinner.Fail(err.Error())
		return err
	}
	spinner.Success("Connected")

	if pair, ok := p.SelectedPair(); ok {
		util.LogInfo("path: %s", pair)
	}
	if opts.statsEvery > 0 {
		util.StartStatsReporter(ctx, p.Stats, opts.statsEvery)
	}

	go readInput(p)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.ChannelClosed():
			util.LogWarning("channel closed by the remote")
			return nil
		case <-p.Readable():
			for {
				msg, ok := p.Receive()
				if !ok {
					break
				}
				pterm.Println(pterm.FgCyan.Sprint("← ") + string(msg))
				if opts.echo {
					if err := p.Send(msg); err != nil {
						util.LogWarning("echo: %v", err)
					}
				}
			}
		}
	}
}

// readInput sends every stdin line as one message.
func readInput(p *peer.Peer) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if err := p.Send([]byte(line)); err != nil {
			util.LogWarning("send: %v", err)
		}
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// askMode prompts for the mode when --mode is absent.
func askMode() string {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{
			"offer   Start a connection",
			"answer  Reply to an offer",
			"hello   Connect two local peers",
		}).
		WithDefaultText("Select a mode").
		Show()

	pterm.Println()
	if fields := strings.Fields(choice); len(fields) > 0 {
		return fields[0]
	}
	return ""
}

// askDescription prompts until a non-empty description is entered.
func askDescription(prompt string) []byte {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		pterm.Println()
		if s := strings.TrimSpace(raw); s != "" {
			return []byte(s)
		}
		util.LogWarning("empty input: paste the text printed by the other side")
	}
}

func showDescription(title string, desc []byte) {
	pterm.DefaultSection.Println(title)
	pterm.Println(protocol.EncodeText(desc))
	pterm.Println()
}
