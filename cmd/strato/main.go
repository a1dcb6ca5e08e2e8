// Command strato signs in to the Strato platform and runs authenticated API
// calls. All authentication and request logic lives in internal packages;
// this binary only parses flags and prints results.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/target/strato-go/config"
	"github.com/target/strato-go/internal/adapters/term"
	"github.com/target/strato-go/internal/bootstrap"
	"github.com/target/strato-go/internal/domain/auth"
	apperrors "github.com/target/strato-go/internal/errors"
	"github.com/target/strato-go/internal/ports"
	"github.com/target/strato-go/internal/service"
)

type commandFn func(ctx *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

type commandContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config config.AppConfig
}

func main() {
	logger := bootstrap.InitLogger()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	cmdName := os.Args[1]
	cmd, ok := commands()[cmdName]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmdName)
		printUsage()
		os.Exit(2)
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmdCtx := &commandContext{Ctx: ctx, Logger: logger, Config: cfg}
	if runErr := cmd.run(cmdCtx, os.Args[2:]); runErr != nil {
		logger.Error("command failed",
			"command", cmdName,
			"code", string(apperrors.GetCode(runErr)),
			"error", runErr)
		os.Exit(1)
	}
}

func commands() map[string]command {
	return map[string]command{
		"connect": {
			name:        "connect",
			description: "Sign in, print the session summary, and disconnect",
			run:         runConnect,
		},
		"call": {
			name:        "call",
			description: "Sign in, execute one API call, print the JSON result, and disconnect",
			run:         runCall,
		},
		"switch-workspace": {
			name:        "switch-workspace",
			description: "Sign in, switch to the named workspace, and disconnect",
			run:         runSwitchWorkspace,
		},
		"disconnect": {
			name:        "disconnect",
			description: "Revoke credentials left behind by earlier runs",
			run:         runDisconnect,
		},
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: strato <command> [flags]")
	fmt.Fprintln(os.Stderr)

	cmds := commands()
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stderr, 0, 4, 2, ' ', 0)
	for _, name := range names {
		fmt.Fprintf(w, "  %s\t%s\n", name, cmds[name].description)
	}
	_ = w.Flush()
}

// connect signs in with the configured principal, holds the session long
// enough to print it, and tears it down.
func runConnect(ctx *commandContext, args []string) error {
	fs := flag.NewFlagSet("connect", flag.ContinueOnError)
	workspace := fs.String("workspace", ctx.Config.Auth.Workspace, "workspace to bind the session to")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withSession(ctx, *workspace, func(app *bootstrap.App, session *auth.Session) error {
		printSession(session)
		return nil
	})
}

func runCall(ctx *commandContext, args []string) error {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	method := fs.String("X", http.MethodGet, "HTTP method")
	body := fs.String("d", "", "JSON request body")
	workspace := fs.String("workspace", ctx.Config.Auth.Workspace, "workspace to bind the session to")
	fullEnvelope := fs.Bool("full-envelope", false, "print the response envelope instead of the unwrapped value")
	noPagination := fs.Bool("no-pagination", false, "return only the first page of collection responses")
	var headers headerFlags
	fs.Var(&headers, "H", "additional header, name:value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return apperrors.Validation("call requires exactly one URL argument")
	}
	uri := fs.Arg(0)

	var payload any
	if *body != "" {
		payload = json.RawMessage(*body)
	}

	return withSession(ctx, *workspace, func(app *bootstrap.App, _ *auth.Session) error {
		result, err := app.Engine.Execute(ctx.Ctx, ports.Request{
			Method:       strings.ToUpper(*method),
			URI:          uri,
			Body:         payload,
			Header:       headers.Header(),
			FullEnvelope: *fullEnvelope,
			NoPagination: *noPagination,
		})
		if err != nil {
			return err
		}
		if result.Pages != nil && !result.Pages.Complete() {
			ctx.Logger.Warn("response is incomplete; some pages failed",
				"failed_pages", result.Pages.FailedPages)
		}

		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result.Value)
	})
}

func runSwitchWorkspace(ctx *commandContext, args []string) error {
	fs := flag.NewFlagSet("switch-workspace", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return apperrors.Validation("switch-workspace requires exactly one workspace name")
	}
	target := fs.Arg(0)

	return withSession(ctx, ctx.Config.Auth.Workspace, func(app *bootstrap.App, _ *auth.Session) error {
		session, err := app.Sessions.SwitchWorkspace(ctx.Ctx, target)
		if err != nil {
			return err
		}
		printSession(session)
		return nil
	})
}

// disconnect signs in once to sweep credentials earlier runs may have left
// behind, then revokes its own.
func runDisconnect(ctx *commandContext, args []string) error {
	fs := flag.NewFlagSet("disconnect", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := ctx.Config
	cfg.Engine.PurgeStaleCredentials = true
	ctx.Config = cfg

	return withSession(ctx, ctx.Config.Auth.Workspace, func(app *bootstrap.App, _ *auth.Session) error {
		fmt.Fprintln(os.Stderr, "stale credentials revoked")
		return nil
	})
}

// withSession runs fn inside a fully established session and always tears
// the session down afterwards.
func withSession(ctx *commandContext, workspace string, fn func(app *bootstrap.App, session *auth.Session) error) error {
	prompter := term.New(term.Options{
		In:             os.Stdin,
		Out:            os.Stderr,
		TOTPSecret:     ctx.Config.Auth.TOTPSecret,
		NonInteractive: ctx.Config.Auth.NoProgressUI,
	})

	app, err := bootstrap.NewApp(bootstrap.AppOptions{
		Config:   ctx.Config,
		Prompter: prompter,
		Logger:   ctx.Logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := app.Close(); cerr != nil {
			ctx.Logger.Warn("close app", "error", cerr)
		}
	}()

	session, err := app.Orchestrator.Connect(ctx.Ctx, connectInput(ctx.Config, workspace))
	if err != nil {
		return err
	}
	defer func() {
		if terr := app.Sessions.TearDown(context.Background()); terr != nil {
			ctx.Logger.Warn("session teardown incomplete", "error", terr)
		}
	}()

	return fn(app, session)
}

func connectInput(cfg config.AppConfig, workspace string) service.ConnectInput {
	return service.ConnectInput{
		Principal:    cfg.Auth.Principal,
		Password:     cfg.Auth.Password,
		Workspace:    workspace,
		NoProgressUI: cfg.Auth.NoProgressUI,
	}
}

func printSession(session *auth.Session) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "user\t%s\n", session.Username)
	fmt.Fprintf(w, "workspace\t%s\n", session.Workspace.Name)
	fmt.Fprintf(w, "org\t%s\n", session.Workspace.OrgName)
	versions := make([]string, 0, len(session.ServiceTokens))
	for version := range session.ServiceTokens {
		versions = append(versions, string(version))
	}
	sort.Strings(versions)
	fmt.Fprintf(w, "service tokens\t%s\n", strings.Join(versions, ", "))
	fmt.Fprintf(w, "governed org\t%t\n", session.GovernedOrg)
	_ = w.Flush()
}

// headerFlags collects repeated -H name:value flags.
type headerFlags struct {
	header http.Header
}

func (h *headerFlags) String() string { return "" }

func (h *headerFlags) Set(value string) error {
	name, v, ok := strings.Cut(value, ":")
	if !ok {
		return fmt.Errorf("header %q is not in name:value form", value)
	}
	if h.header == nil {
		h.header = http.Header{}
	}
	h.header.Add(strings.TrimSpace(name), strings.TrimSpace(v))
	return nil
}

func (h *headerFlags) Header() http.Header { return h.header }
