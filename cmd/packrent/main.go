// Packrent - terminal notification client for the Packrent rental marketplace
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nhle/packrent/internal/app"
	"github.com/nhle/packrent/internal/model"
	"github.com/nhle/packrent/internal/ui/login"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cmd := "inbox"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "--version", "version", "-v":
		fmt.Println("packrent " + version)
		return nil
	case "help", "--help", "-h":
		printHelp()
		return nil
	}

	envLoaded := godotenv.Load() == nil

	cfgPath := model.DefaultConfigPath()
	if p := os.Getenv("PACKRENT_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := model.LoadConfig(cfgPath)
	if err != nil {
		return err
	}

	logger, err := app.NewLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	if !envLoaded {
		logger.Debug("no .env file found, using environment variables")
	}

	created, err := model.EnsureInstallationID(cfgPath, cfg)
	if err != nil {
		logger.Warn("persisting installation id", zap.Error(err))
	} else if created {
		logger.Info("generated installation id", zap.String("installation_id", cfg.Realtime.InstallationID))
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = app.WithApp(ctx, a)

	switch cmd {
	case "inbox":
		return runInbox(ctx)
	case "login":
		return runLogin(ctx)
	case "logout":
		return runLogout(ctx)
	case "status":
		return runStatus(ctx)
	default:
		printHelp()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runInbox(ctx context.Context) error {
	a, _ := app.FromContext(ctx)
	if err := a.Init(ctx); err != nil {
		return err
	}
	defer a.Teardown()

	p := tea.NewProgram(app.NewModel(a), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("tui error: %w", err)
	}
	return nil
}

func runLogin(ctx context.Context) error {
	a, _ := app.FromContext(ctx)
	defer a.Teardown()

	creds, err := login.Prompt()
	if errors.Is(err, huh.ErrUserAborted) {
		return nil
	}
	if err != nil {
		return err
	}

	sess, err := a.Auth().Login(ctx, creds.Identity, creds.Secret)
	if err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	fmt.Printf("Signed in as %s.\n", sess.Role)
	return nil
}

func runLogout(ctx context.Context) error {
	a, _ := app.FromContext(ctx)
	defer a.Teardown()

	if err := a.Auth().Hydrate(ctx); err != nil {
		a.Logger().Info("no stored session", zap.Error(err))
	}
	if err := a.Auth().Logout(ctx); err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	fmt.Println("Signed out.")
	return nil
}

// runStatus prints the session role and the unread count kept in the
// offline archive. It makes no network calls after hydration.
func runStatus(ctx context.Context) error {
	a, _ := app.FromContext(ctx)
	defer a.Teardown()

	if err := a.Auth().Hydrate(ctx); err != nil {
		a.Logger().Info("no stored session", zap.Error(err))
	}
	sess := a.Auth().Session()
	if !sess.Authenticated {
		fmt.Println("Not signed in.")
		return nil
	}
	fmt.Printf("Signed in as %s.\n", sess.Role)

	if a.Archive() == nil || sess.UserID == "" {
		return nil
	}
	n, err := a.Archive().CountUnread(ctx, sess.UserID)
	if err != nil {
		return err
	}
	fmt.Printf("%d unread notifications.\n", n)
	return nil
}

func printHelp() {
	fmt.Print(`Usage: packrent [command]

Commands:
  inbox     open the notification inbox (default)
  login     sign in from the terminal
  logout    sign out and clear stored credentials
  status    show the session and cached unread count
  version   print the version
`)
}
