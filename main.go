package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bodyast/logManager/internal/auth"
	"github.com/bodyast/logManager/internal/config"
	"github.com/bodyast/logManager/internal/crypto"
	"github.com/bodyast/logManager/internal/database"
	"github.com/bodyast/logManager/internal/handlers"
	"github.com/bodyast/logManager/internal/importer"
	"github.com/bodyast/logManager/internal/logging"
	"github.com/bodyast/logManager/internal/logstream"
	"github.com/bodyast/logManager/internal/realtime"
	"github.com/bodyast/logManager/internal/sshconn"
	"github.com/bodyast/logManager/internal/sshlogs"
	"go.uber.org/zap"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--create-user", "--create-admin", "--reset-password":
			runUserCommand(os.Args[1][2:])
			return
		case "--import":
			runImport()
			return
		case "--rotate-credentials":
			runRotateCredentials()
			return
		}
	}

	if err := config.Load(); err != nil {
		log.Fatalf("Config: %v", err)
	}
	logger, err := logging.Init(config.Cfg.LogPath, config.Cfg.LogLevel)
	if err != nil {
		log.Fatalf("Logging init: %v", err)
	}
	defer logging.Close()
	defer logger.Sync()

	if err := database.Init(); err != nil {
		logger.Fatal("database init", zap.Error(err))
	}
	defer database.Close()

	vault, err := crypto.LoadVault(config.Cfg.EncryptionKey, config.Cfg.PreviousEncryptionKeys)
	if err != nil {
		logger.Fatal("credential vault init", zap.Error(err))
	}
	secret, err := auth.LoadSecret(config.Cfg.JWTSecret)
	if err != nil {
		logger.Fatal("token secret init", zap.Error(err))
	}
	revoked := auth.NewRevocationList()
	tokens := auth.NewTokenIssuer(secret, config.Cfg.JWTExpiry, revoked)

	dialer, err := sshconn.NewDialer(sshconn.Config{
		Timeout:        config.Cfg.SSHConnectTimeout,
		KnownHostsPath: config.Cfg.SSHKnownHosts,
		RateLimit: sshconn.RateLimitConfig{
			MaxAttemptsPerMinute: config.Cfg.SSHMaxAttemptsPerMinute,
			MaxConsecFailures:    config.Cfg.SSHMaxConsecFailures,
			BlockDuration:        config.Cfg.SSHBlockDuration,
		},
	}, logger)
	if err != nil {
		logger.Fatal("ssh dialer init", zap.Error(err))
	}
	opener := &logstream.SSHOpener{
		Vault:   vault,
		Dialer:  dialer,
		Options: sshlogs.Options{FollowByName: config.Cfg.SSHFollowByName},
	}
	registry := logstream.NewRegistry(opener, logger)
	gateway := realtime.New(registry, tokens, logger,
		realtime.WithOriginPatterns(config.Cfg.AllowedOrigins...))

	handlers.Tokens = tokens
	handlers.Vault = vault
	handlers.Logs = logstream.NewService(opener, config.Cfg.SnapshotMaxLines, logger)
	handlers.Streams = registry

	scheduler, err := newScheduler(config.Cfg.CleanupSchedule, &maintenance{
		revoked:  revoked,
		registry: registry,
		gateway:  gateway,
		logger:   logger.Named("jobs"),
	})
	if err != nil {
		logger.Fatal("scheduler init", zap.Error(err))
	}
	scheduler.Start()

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: handlers.NewRouter(tokens, gateway),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("server starting", zap.String("addr", config.Cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-sigCtx.Done()
	logger.Info("shutting down")

	<-scheduler.Stop().Done()
	// Shutdown does not track hijacked connections; end the WebSocket
	// clients first so none can start a stream after StopAll.
	gateway.Close()
	registry.StopAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

// openStore loads config and the database for CLI commands.
func openStore() {
	if err := config.Load(); err != nil {
		log.Fatalf("Config: %v", err)
	}
	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
}

func runUserCommand(command string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	username := fs.String("username", "", "Username")
	email := fs.String("email", "", "Email address")
	password := fs.String("password", "", "Password")
	fs.Parse(os.Args[2:])

	if *username == "" || *password == "" {
		fmt.Fprintf(os.Stderr, "Usage: logmanager --%s --username <user> --password <pass> [--email <addr>]\n", command)
		os.Exit(1)
	}
	if len(*password) < auth.MinPasswordLen {
		log.Fatalf("Password must be at least %d characters", auth.MinPasswordLen)
	}

	openStore()
	defer database.Close()

	hash, err := auth.HashPassword(*password)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}

	switch command {
	case "create-user", "create-admin":
		role := database.RoleUser
		if command == "create-admin" {
			role = database.RoleAdmin
		}
		user := &database.User{Username: *username, Email: *email, PasswordHash: hash, Role: role}
		if err := database.CreateUser(user); err != nil {
			log.Fatalf("Failed to create user: %v", err)
		}
		fmt.Printf("User '%s' created with role %s.\n", *username, role)

	case "reset-password":
		user, err := database.GetUserByUsername(*username)
		if err != nil {
			log.Fatalf("User '%s' not found", *username)
		}
		if err := database.UpdateUserPassword(user.ID, hash); err != nil {
			log.Fatalf("Failed to update password: %v", err)
		}
		fmt.Printf("Password reset for '%s'. Existing tokens stay valid until they expire.\n", *username)
	}
}

func runImport() {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	username := fs.String("username", "", "Owner of the imported hosts")
	args := os.Args[2:]
	var file string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		file, args = args[0], args[1:]
	}
	fs.Parse(args)
	if file == "" && fs.NArg() == 1 {
		file = fs.Arg(0)
	}
	if file == "" || *username == "" {
		fmt.Fprintln(os.Stderr, "Usage: logmanager --import <inventory.yaml> --username <user>")
		os.Exit(1)
	}

	openStore()
	defer database.Close()

	vault, err := crypto.LoadVault(config.Cfg.EncryptionKey, config.Cfg.PreviousEncryptionKeys)
	if err != nil {
		log.Fatalf("Credential vault: %v", err)
	}
	res, err := importer.ImportFile(file, *username, vault)
	if err != nil {
		log.Fatalf("Import failed: %v", err)
	}
	fmt.Printf("Import complete: %s.\n", res)
}

// runRotateCredentials re-encrypts stored host credentials with the current
// key. Run it after moving the old key to LOGMGR_PREVIOUS_ENCRYPTION_KEYS.
func runRotateCredentials() {
	openStore()
	defer database.Close()

	vault, err := crypto.LoadVault(config.Cfg.EncryptionKey, config.Cfg.PreviousEncryptionKeys)
	if err != nil {
		log.Fatalf("Credential vault: %v", err)
	}
	n, err := vault.RotateHostSecrets()
	if err != nil {
		log.Fatalf("Rotation failed after %d hosts: %v", n, err)
	}
	fmt.Printf("Re-encrypted credentials of %d hosts.\n", n)
}
