// Command consultctl drives a consultation from a terminal: it logs in,
// watches the waiting queue, opens and accepts sessions, chats and joins the
// audio channel.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/suPer8Hu/consult-platform/internal/client/api"
	"github.com/suPer8Hu/consult-platform/internal/client/audio"
	"github.com/suPer8Hu/consult-platform/internal/client/session"
	"github.com/suPer8Hu/consult-platform/internal/logging"
	"github.com/suPer8Hu/consult-platform/internal/realtime"
	"go.uber.org/zap"
)

type command struct {
	usage string
	run   func(ctx context.Context, app *app, args []string) error
}

var commands = map[string]command{
	"register": {"register -name N -email E -password P", runRegister},
	"login":    {"login -email E -password P", runLogin},
	"whoami":   {"whoami", runWhoami},
	"queue":    {"queue", runQueue},
	"sessions": {"sessions", runSessions},
	"create":   {"create -category ID -message TEXT", runCreate},
	"accept":   {"accept ID", runAccept},
	"send":     {"send ID TEXT...", runSend},
	"history":  {"history ID", runHistory},
	"close":    {"close ID", runClose},
	"watch":    {"watch [ID]", runWatch},
	"audio":    {"audio ID", runAudio},
}

func main() {
	fs := flag.NewFlagSet("consultctl", flag.ExitOnError)
	baseURL := fs.String("api", envOr("CONSULT_API_URL", "http://127.0.0.1:8080"), "API base URL")
	wsURL := fs.String("ws", os.Getenv("CONSULT_WS_URL"), "WebSocket URL (default derived from -api)")
	token := fs.String("token", os.Getenv("CONSULT_TOKEN"), "bearer token")
	verbose := fs.Bool("v", false, "debug logging")
	fs.Usage = usage(fs)
	_ = fs.Parse(os.Args[1:])

	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(2)
	}
	cmd, ok := commands[fs.Arg(0)]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", fs.Arg(0))
		fs.Usage()
		os.Exit(2)
	}

	env := "production"
	if *verbose {
		env = "development"
	}
	logger, err := logging.New(env)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{
		client: api.New(*baseURL, *token),
		wsURL:  *wsURL,
		log:    logger,
	}
	if a.wsURL == "" {
		a.wsURL = deriveWSURL(*baseURL)
	}
	defer a.close()

	if err := cmd.run(ctx, a, fs.Args()[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", describe(err))
		a.close()
		os.Exit(1)
	}
}

func usage(fs *flag.FlagSet) func() {
	return func() {
		fmt.Fprintln(os.Stderr, "usage: consultctl [flags] <command> [args]")
		fs.PrintDefaults()
		names := make([]string, 0, len(commands))
		for name := range commands {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(os.Stderr, "commands:")
		for _, name := range names {
			fmt.Fprintln(os.Stderr, "  "+commands[name].usage)
		}
	}
}

// app lazily builds the realtime pieces; one-shot commands never dial.
type app struct {
	client *api.Client
	wsURL  string
	log    *zap.SugaredLogger

	ws     *realtime.WSSubscriber
	bridge *audio.Bridge
	ctrl   *session.Controller
}

func (a *app) controller(ctx context.Context, live bool) (*session.Controller, error) {
	if a.ctrl != nil {
		return a.ctrl, nil
	}
	store := session.NewStore()
	a.bridge = audio.NewBridge(audio.DryRunEngine{Log: a.log.Named("audio")}, audio.Options{
		Tokens: audio.APITokens(a.client),
		Logger: a.log.Named("audio"),
	})
	opts := session.ControllerOptions{Audio: a.bridge, Logger: a.log.Named("controller")}
	if live {
		ws, err := realtime.DialWS(ctx, a.wsURL, a.client.Token(), a.log.Named("ws"))
		if err != nil {
			return nil, err
		}
		a.ws = ws
		opts.Adapter = session.NewAdapter(store, ws, session.AdapterOptions{
			Audio:  a.bridge,
			Logger: a.log.Named("adapter"),
		})
	}
	a.ctrl = session.NewController(a.client, store, opts)
	return a.ctrl, nil
}

func (a *app) close() {
	if a.bridge != nil {
		_ = a.bridge.Leave(context.Background())
	}
	if a.ws != nil {
		_ = a.ws.Close()
		a.ws = nil
	}
}

func deriveWSURL(base string) string {
	u := strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

func describe(err error) string {
	var apiErr *api.Error
	switch {
	case errors.Is(err, session.ErrAlreadyClaimed):
		return "another advisor already accepted this session"
	case errors.Is(err, session.ErrSessionNotActive):
		return "the session is not active"
	case errors.Is(err, session.ErrAuthExpired):
		return "not logged in or token expired (set CONSULT_TOKEN)"
	case errors.As(err, &apiErr):
		return fmt.Sprintf("%s (code %d)", apiErr.Message, apiErr.Code)
	}
	return err.Error()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
